package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stream-gateway/stream/domain"

	"go.uber.org/zap"
)

// TokenVerifier valida um token bruto para um tópico.
type TokenVerifier interface {
	Verify(raw, topic string) (domain.Claims, error)
}

// Credentials é o que o handshake recebeu do cliente.
type Credentials struct {
	HeaderToken string
	QueryToken  string
	Topic       string
	ClientIP    string
	Endpoint    string
}

// Mode escolhe o canal do token: header tem precedência e, quando presente,
// o token da query é ignorado por completo.
func (c Credentials) Mode() (domain.AuthMode, string) {
	if c.HeaderToken != "" {
		return domain.AuthHeader, c.HeaderToken
	}
	if c.QueryToken != "" {
		return domain.AuthQuery, c.QueryToken
	}
	return domain.AuthHeader, ""
}

// Authenticator valida o token do handshake e consome o jti.
type Authenticator struct {
	Verifier TokenVerifier
	Replay   domain.ReplayStore
	Audit    *AuditWriter
	Logger   *zap.Logger
	// MinReplayTTL é o piso do tempo em que um jti fica marcado (padrão 5min).
	MinReplayTTL time.Duration
}

// Authenticate devolve o modo e as claims, ou um erro que embrulha
// ErrAuthenticationFailed, ErrTokenReplayed ou ErrReplayStoreUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credentials) (domain.AuthMode, domain.Claims, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, raw := cred.Mode()
	ipHash := HashClientIP(cred.ClientIP)

	claims, err := a.Verifier.Verify(raw, cred.Topic)
	if err != nil {
		typ := domain.AuditInvalid
		if errors.Is(err, domain.ErrTokenExpired) {
			typ = domain.AuditExpired
		}
		a.Audit.Submit(domain.AuditEvent{
			Type:         typ,
			Topic:        cred.Topic,
			ClientIPHash: ipHash,
			Endpoint:     cred.Endpoint,
			Reason:       domain.Reason(err),
		})
		logger.Info("stream token rejected",
			zap.String("topic", cred.Topic),
			zap.String("auth_mode", string(mode)),
			zap.String("reason", domain.Reason(err)))
		return mode, domain.Claims{}, err
	}

	ev := domain.AuditEvent{
		JTI:          claims.JTI,
		Subject:      claims.Subject,
		Tenant:       claims.Tenant,
		Topic:        claims.Topic,
		IssuedAt:     claims.IssuedAt,
		Expiry:       claims.Expiry,
		ClientIPHash: ipHash,
		Endpoint:     cred.Endpoint,
	}

	if a.Replay != nil {
		first, err := a.Replay.MarkUsed(ctx, claims.JTI, a.replayTTL(claims))
		if err != nil {
			logger.Error("replay store check failed", zap.String("tenant", claims.Tenant), zap.Error(err))
			if !errors.Is(err, domain.ErrReplayStoreUnavailable) {
				err = fmt.Errorf("%w: %v", domain.ErrReplayStoreUnavailable, err)
			}
			return mode, domain.Claims{}, err
		}
		if !first {
			ev.Type = domain.AuditReplayAttempted
			ev.Reason = domain.Reason(domain.ErrTokenReplayed)
			a.Audit.Submit(ev)
			logger.Warn("stream token replay attempt",
				zap.String("tenant", claims.Tenant),
				zap.String("topic", claims.Topic),
				zap.String("jti", claims.JTI),
				zap.String("client_ip_hash", ipHash))
			return mode, domain.Claims{}, domain.ErrTokenReplayed
		}
	}

	ev.Type = domain.AuditValidated
	a.Audit.Submit(ev)
	return mode, claims, nil
}

// replayTTL cobre pelo menos a vida inteira do token.
func (a *Authenticator) replayTTL(c domain.Claims) time.Duration {
	floor := a.MinReplayTTL
	if floor <= 0 {
		floor = 5 * time.Minute
	}
	return max(floor, c.Expiry.Sub(c.IssuedAt))
}
