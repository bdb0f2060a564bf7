package domain

import (
	"encoding/json"
	"time"
)

// Event é o tipo de um envelope no fio SSE.
type Event string

const (
	EventUpdate    Event = "update"
	EventReset     Event = "reset"
	EventError     Event = "error"
	EventKeepalive Event = "keepalive"
)

// EnvelopeVersion vai no campo "v" de todo envelope.
const EnvelopeVersion = 1

// Envelope é imutável depois de criado; o ring guarda cópias.
type Envelope struct {
	V       int             `json:"v"`
	TS      time.Time       `json:"ts"`
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RingStats descreve a janela retida de um tópico.
type RingStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	MinSeq   uint64 `json:"min_seq"`
	MaxSeq   uint64 `json:"max_seq"`
}

// History é a janela recente de envelopes por tópico usada na retomada.
type History interface {
	Append(topic string, event Event, payload json.RawMessage, ts time.Time) Envelope
	ReadSince(topic string, lastSeq uint64) ([]Envelope, error)
	Stats(topic string) RingStats
}
