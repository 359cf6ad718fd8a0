// Package stream implements the Streaming Pipe of spec.md §4.F: SSE
// line-buffering, JSON-parse-or-drop, translator application, the
// "data: [DONE]\n\n" terminator, and the Responses-API non-streaming
// collapse rule.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// CollapseResponsesStream reads a Responses-API SSE body end-to-end and
// folds its response.created / response.output_item.done / response.completed
// / response.failed events into a single JSON envelope
// {id, object, created_at, status, output[], usage}, gap-filling missing
// output_index slots with empty assistant messages, per spec.md §4.F.
func CollapseResponsesStream(body io.Reader, model string) ([]byte, error) {
	type outputItem struct {
		index int
		raw   json.RawMessage
	}

	var id string
	var createdAt int64
	status := "completed"
	items := map[int]outputItem{}
	maxIndex := -1
	var usage json.RawMessage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			continue
		}
		if !gjson.ValidBytes(data) {
			continue
		}
		root := gjson.ParseBytes(data)
		switch root.Get("type").String() {
		case "response.created":
			id = root.Get("response.id").String()
			createdAt = root.Get("response.created_at").Int()
		case "response.output_item.done":
			idx := int(root.Get("output_index").Int())
			items[idx] = outputItem{index: idx, raw: json.RawMessage(root.Get("item").Raw)}
			if idx > maxIndex {
				maxIndex = idx
			}
		case "response.completed":
			status = "completed"
			if u := root.Get("response.usage"); u.Exists() {
				usage = json.RawMessage(u.Raw)
			}
		case "response.failed":
			status = "failed"
			return nil, fmt.Errorf("stream: upstream response.failed: %s", root.Get("response.error.message").String())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream: collapse read: %w", err)
	}

	output := make([]json.RawMessage, 0, maxIndex+1)
	for i := 0; i <= maxIndex; i++ {
		if item, ok := items[i]; ok {
			output = append(output, item.raw)
			continue
		}
		output = append(output, emptyAssistantItem())
	}

	envelope := map[string]any{
		"id":         id,
		"object":     "response",
		"model":      model,
		"created_at": createdAt,
		"status":     status,
		"output":     output,
	}
	if usage != nil {
		envelope["usage"] = usage
	}
	return json.Marshal(envelope)
}

func emptyAssistantItem() json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "output_text", "text": ""},
		},
	})
	return raw
}
