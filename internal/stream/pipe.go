package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

const maxDroppedLineSize = 1024 // 1 kB, per spec.md §4.F

// ChunkTranslator turns one parsed upstream SSE payload into zero or more
// bytes of downstream-ready output (already serialised as "data: {json}\n\n"
// or the Claude/Responses "event: …\ndata: …\n\n" shape). A nil, nil
// return means "no observable content" and is skipped.
type ChunkTranslator func(parsed []byte) ([]byte, error)

// Pipe implements the Streaming Pipe of spec.md §4.F: consume upstream
// bytes, split on '\n' keeping a residual buffer across reads, apply
// translate to each "data:" line's payload, and write the result
// downstream — cancellable through ctx, which is checked before each
// upstream read (a read or write already in progress is not interrupted).
type Pipe struct {
	Translate ChunkTranslator
}

// Run drains upstream into w via Translate until upstream EOF, ctx
// cancellation, or a fatal read/write error. A payload of "[DONE]" writes
// the terminal marker verbatim and stops the pipe (matching upstream's own
// termination signal); an oversized unparsable line (> 1 kB) fails the
// stream, a small one is logged and dropped.
func (p *Pipe) Run(ctx context.Context, upstream io.Reader, w io.Writer) error {
	var residual []byte
	buf := make([]byte, 32*1024)
	done := false

	flush := func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		payload, ok := sseDataPayload(line)
		if !ok {
			return nil
		}
		if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
			done = true
			_, err := w.Write(doneMarker())
			return err
		}
		if !json.Valid(payload) {
			if len(payload) <= maxDroppedLineSize {
				log.Debugf("stream pipe: dropping unparsable line (%d bytes)", len(payload))
				return nil
			}
			return fmt.Errorf("stream pipe: oversized unparsable line (%d bytes)", len(payload))
		}

		out, err := p.Translate(payload)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		_, err = w.Write(out)
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := upstream.Read(buf)
		if n > 0 {
			residual = append(residual, buf[:n]...)
			for {
				idx := bytes.IndexByte(residual, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimRight(residual[:idx], "\r")
				residual = residual[idx+1:]
				if err := flush(line); err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return flush(residual)
			}
			return fmt.Errorf("stream pipe: upstream read: %w", readErr)
		}
	}
}

func sseDataPayload(line []byte) ([]byte, bool) {
	const p = "data:"
	if !bytes.HasPrefix(line, []byte(p)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(p):]), true
}

func doneMarker() []byte {
	return []byte("data: [DONE]\n\n")
}
