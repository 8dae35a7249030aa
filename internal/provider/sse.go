package provider

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// sseFrame is one server-sent event: the optional "event:" name and the
// joined "data:" lines.
type sseFrame struct {
	Event string
	Data  string
}

// readSSE splits body into frames separated by a blank line and hands each
// to fn. It stops when fn returns false, the body ends, or ctx is done.
func readSSE(ctx context.Context, body io.Reader, fn func(sseFrame) bool) error {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = bytes.ReplaceAll(buf, []byte("\r\n"), []byte("\n"))
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				raw := string(buf[:idx])
				buf = buf[idx+2:]
				if !fn(parseFrame(raw)) {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func parseFrame(raw string) sseFrame {
	var f sseFrame
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
	f.Data = strings.Join(data, "\n")
	return f
}

// emitter delivers stream events unless the consumer's context is gone.
type emitter struct {
	ctx context.Context
	ch  chan<- *StreamEvent
}

func (e emitter) send(ev *StreamEvent) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}
