package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestPipeForwardsTranslatedChunks(t *testing.T) {
	upstream := strings.NewReader("data: {\"a\":1}\ndata: {\"a\":2}\ndata: [DONE]\n")
	var out bytes.Buffer
	p := &Pipe{Translate: func(parsed []byte) ([]byte, error) {
		return append([]byte("data: "), append(parsed, '\n', '\n')...), nil
	}}
	if err := p.Run(context.Background(), upstream, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, `{"a":1}`) || !strings.Contains(got, `{"a":2}`) {
		t.Fatalf("missing translated chunks: %s", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Fatalf("expected terminal DONE marker, got: %s", got)
	}
}

func TestPipeDropsSmallUnparsableLines(t *testing.T) {
	upstream := strings.NewReader("data: not-json\ndata: {\"ok\":true}\n")
	var out bytes.Buffer
	p := &Pipe{Translate: func(parsed []byte) ([]byte, error) {
		return parsed, nil
	}}
	if err := p.Run(context.Background(), upstream, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), `{"ok":true}`) {
		t.Fatalf("expected valid line to survive, got: %s", out.String())
	}
}

func TestPipeFlushesResidualOnEOF(t *testing.T) {
	upstream := strings.NewReader("data: {\"a\":1}") // no trailing newline
	var out bytes.Buffer
	p := &Pipe{Translate: func(parsed []byte) ([]byte, error) { return parsed, nil }}
	if err := p.Run(context.Background(), upstream, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), `{"a":1}`) {
		t.Fatalf("expected residual buffer to be flushed, got: %s", out.String())
	}
}

func TestPipeSkipsNilTranslation(t *testing.T) {
	upstream := strings.NewReader("data: {\"skip\":true}\ndata: {\"keep\":true}\n")
	var out bytes.Buffer
	p := &Pipe{Translate: func(parsed []byte) ([]byte, error) {
		if bytes.Contains(parsed, []byte("skip")) {
			return nil, nil
		}
		return parsed, nil
	}}
	if err := p.Run(context.Background(), upstream, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(out.String(), "skip") {
		t.Fatalf("expected skipped chunk to be absent, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "keep") {
		t.Fatalf("expected kept chunk present, got: %s", out.String())
	}
}

func TestPipeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	upstream := strings.NewReader("data: {\"a\":1}\n")
	var out bytes.Buffer
	p := &Pipe{Translate: func(parsed []byte) ([]byte, error) { return parsed, nil }}
	if err := p.Run(ctx, upstream, &out); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
