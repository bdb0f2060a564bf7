package domain

import (
	"slices"
	"time"
)

type AuthMode string

const (
	AuthHeader AuthMode = "header"
	AuthQuery  AuthMode = "query"
)

// Claims são as claims validadas de um token de streaming.
type Claims struct {
	Issuer   string    `json:"iss"`
	Audience string    `json:"aud"`
	Subject  string    `json:"sub"`
	Tenant   string    `json:"tid"`
	Topic    string    `json:"topic"`
	IssuedAt time.Time `json:"iat"`
	Expiry   time.Time `json:"exp"`
	JTI      string    `json:"jti"`
	// Scopes vem do claim "scope" (separado por espaço).
	Scopes []string `json:"scope,omitempty"`
}

// ScopePublish autoriza o publish de produção com JWT de API.
const ScopePublish = "stream:publish"

func (c Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ExpiredAt usa exp estrito, sem tolerância de skew.
func (c Claims) ExpiredAt(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// State é o estado de uma sessão de stream.
type State int

const (
	StateAuthenticating State = iota
	StateResuming
	StateFreshStart
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateResuming:
		return "resuming"
	case StateFreshStart:
		return "fresh_start"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CanTransition diz se from -> to é uma aresta válida da máquina de estados.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	switch from {
	case StateAuthenticating:
		return to == StateResuming || to == StateFreshStart
	case StateResuming, StateFreshStart:
		return to == StateStreaming
	}
	return false
}
