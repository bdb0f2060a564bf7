package domain

import (
	"context"
	"time"
)

// ReplayStore guarda jtis já usados com TTL, compartilhado entre processos.
type ReplayStore interface {
	// MarkUsed marca o jti como usado. first=false significa replay.
	MarkUsed(ctx context.Context, jti string, ttl time.Duration) (first bool, err error)
}

type AuditEventType string

const (
	AuditIssued          AuditEventType = "issued"
	AuditValidated       AuditEventType = "validated"
	AuditInvalid         AuditEventType = "invalid"
	AuditReplayAttempted AuditEventType = "replay_attempted"
	AuditExpired         AuditEventType = "expired"
)

// AuditEvent nunca carrega o token; o IP do cliente vai como hash.
type AuditEvent struct {
	ID           string         `json:"id"`
	Type         AuditEventType `json:"event_type"`
	At           time.Time      `json:"timestamp"`
	JTI          string         `json:"jti,omitempty"`
	Subject      string         `json:"sub,omitempty"`
	Tenant       string         `json:"tid,omitempty"`
	Topic        string         `json:"topic,omitempty"`
	IssuedAt     time.Time      `json:"iat,omitempty"`
	Expiry       time.Time      `json:"exp,omitempty"`
	ClientIPHash string         `json:"client_ip_hash,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// AuditRecorder persiste eventos de auditoria de tokens.
type AuditRecorder interface {
	Record(ctx context.Context, ev AuditEvent) error
}
