package agent

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomstack/loom/internal/pool"
)

// WriteSSE writes one thought as a Server-Sent-Events frame:
// "event: <kind>\ndata: <json>\n\n". The frame is assembled in a pooled
// buffer and written in one call so concurrent writers cannot interleave
// partial frames.
func WriteSSE(w io.Writer, t *AgentThought) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal thought: %w", err)
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(string(t.Event))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	return nil
}
