package domain

import "errors"

var (
	// ErrResumeGap indica que o ponto de retomada caiu fora da janela retida.
	ErrResumeGap = errors.New("resume point outside retained window")

	// ErrAuthenticationFailed cobre assinatura, audience, issuer, tópico,
	// teto de vida e expiração. Não é retentável sem token novo.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTokenMissing         = errors.New("stream token missing")
	ErrTopicMismatch        = errors.New("token topic does not match")
	ErrTenantMissing        = errors.New("token has no tenant")
	ErrLifetimeExceeded     = errors.New("token lifetime exceeds ceiling")

	// ErrTokenReplayed indica jti já usado. Incidente de segurança, auditado.
	ErrTokenReplayed = errors.New("token replayed")

	// ErrTokenExpired encerra sessões autenticadas por query no meio do stream.
	ErrTokenExpired = errors.New("token expired")

	// ErrSlowConsumer desconecta assinantes cujo buffer encheu.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrReplayStoreUnavailable indica falha ao consultar o replay store.
	ErrReplayStoreUnavailable = errors.New("replay store unavailable")

	// ErrInvalidTTL é devolvido na emissão com TTL fora do teto.
	ErrInvalidTTL = errors.New("invalid token ttl")
)

// Reason devolve o código curto usado em eventos error/reset e no audit.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResumeGap):
		return "resume_gap"
	case errors.Is(err, ErrTokenReplayed):
		return "token_replayed"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrTokenMissing):
		return "missing_token"
	case errors.Is(err, ErrTopicMismatch):
		return "topic_mismatch"
	case errors.Is(err, ErrTenantMissing):
		return "missing_tenant"
	case errors.Is(err, ErrLifetimeExceeded):
		return "lifetime_exceeded"
	case errors.Is(err, ErrReplayStoreUnavailable):
		return "replay_store_unavailable"
	case errors.Is(err, ErrAuthenticationFailed):
		return "invalid_token"
	}
	return "internal_error"
}
