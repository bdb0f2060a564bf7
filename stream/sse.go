package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stream-gateway/stream/domain"
)

// DefaultRetryMS é o intervalo de reconexão anunciado ao cliente.
const DefaultRetryMS = 15000

// sseWriter escreve frames text/event-stream e faz flush a cada evento.
// Usado por uma única goroutine (a da conexão).
type sseWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// disableWriteDeadline tira o WriteTimeout do servidor desta conexão.
func (s *sseWriter) disableWriteDeadline() {
	_ = s.rc.SetWriteDeadline(time.Time{})
}

func (s *sseWriter) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *sseWriter) WriteRetry(ms int) error {
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", ms); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) WriteEnvelope(env domain.Envelope) error {
	if env.Payload == nil {
		env.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Event, data); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) WriteEvent(event domain.Event, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.flush()
}
