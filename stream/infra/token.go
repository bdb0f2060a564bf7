package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stream-gateway/stream/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	StreamAudience     = "stream"
	APIAudience        = "api"
	DefaultMaxLifetime = 600 * time.Second
	DefaultClockSkew   = 5 * time.Second
	DefaultTokenTTL    = 180 * time.Second
	minSecretLen       = 32
)

var ErrWeakSecret = errors.New("jwt secret must have at least 32 bytes")

type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	// MaxLifetime limita exp-iat (0 desliga o teto).
	MaxLifetime time.Duration
	ClockSkew   time.Duration
	DefaultTTL  time.Duration
	Now         func() time.Time
}

// TokenService valida e emite JWTs HS256 de uma audience.
type TokenService struct {
	cfg TokenConfig
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tid,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	if cfg.Audience == "" {
		cfg.Audience = StreamAudience
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTokenTTL
	}
	if cfg.MaxLifetime > 0 && cfg.DefaultTTL > cfg.MaxLifetime {
		cfg.DefaultTTL = cfg.MaxLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenService{cfg: cfg}, nil
}

func (s *TokenService) Audience() string { return s.cfg.Audience }

func (s *TokenService) MaxLifetime() time.Duration { return s.cfg.MaxLifetime }

// Verify valida assinatura, audience, issuer, expiração, teto de vida,
// tenant e (se topic != "") o tópico. Erros embrulham ErrAuthenticationFailed.
func (s *TokenService) Verify(raw, topic string) (domain.Claims, error) {
	if raw == "" {
		return domain.Claims{}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, domain.ErrTokenMissing)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.cfg.Now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Claims{}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, domain.ErrTokenExpired)
		}
		return domain.Claims{}, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}

	if tc.IssuedAt == nil {
		return domain.Claims{}, fmt.Errorf("%w: missing iat", domain.ErrAuthenticationFailed)
	}
	if s.cfg.MaxLifetime > 0 {
		// exp e iat vêm do mesmo emissor: skew não altera a diferença
		lifetime := tc.ExpiresAt.Sub(tc.IssuedAt.Time)
		if lifetime > s.cfg.MaxLifetime {
			return domain.Claims{}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, domain.ErrLifetimeExceeded)
		}
	}
	if tc.Tenant == "" {
		return domain.Claims{}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, domain.ErrTenantMissing)
	}
	if tc.ID == "" {
		return domain.Claims{}, fmt.Errorf("%w: missing jti", domain.ErrAuthenticationFailed)
	}
	if topic != "" && tc.Topic != topic {
		return domain.Claims{}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, domain.ErrTopicMismatch)
	}

	return domain.Claims{
		Issuer:   tc.Issuer,
		Audience: s.cfg.Audience,
		Subject:  tc.Subject,
		Tenant:   tc.Tenant,
		Topic:    tc.Topic,
		IssuedAt: tc.IssuedAt.Time,
		Expiry:   tc.ExpiresAt.Time,
		JTI:      tc.ID,
		Scopes:   strings.Fields(tc.Scope),
	}, nil
}

// Sign assina as claims como estão (audience da config se vazia).
func (s *TokenService) Sign(c domain.Claims) (string, error) {
	aud := c.Audience
	if aud == "" {
		aud = s.cfg.Audience
	}
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.Issuer,
			Subject:  c.Subject,
			Audience: jwt.ClaimStrings{aud},
			ID:       c.JTI,
		},
		Tenant: c.Tenant,
		Topic:  c.Topic,
		Scope:  strings.Join(c.Scopes, " "),
	}
	if !c.IssuedAt.IsZero() {
		tc.IssuedAt = jwt.NewNumericDate(c.IssuedAt)
	}
	if !c.Expiry.IsZero() {
		tc.ExpiresAt = jwt.NewNumericDate(c.Expiry)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(s.cfg.Secret)
}

type IssueRequest struct {
	Subject string
	Tenant  string
	Topic   string
	// TTL 0 usa o padrão; acima do teto é rejeitado.
	TTL time.Duration
}

// Issue emite um token de uso único (jti uuid) para um tópico.
func (s *TokenService) Issue(req IssueRequest) (string, domain.Claims, error) {
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 || (s.cfg.MaxLifetime > 0 && ttl > s.cfg.MaxLifetime) {
		return "", domain.Claims{}, domain.ErrInvalidTTL
	}
	if req.Tenant == "" {
		return "", domain.Claims{}, domain.ErrTenantMissing
	}

	now := s.cfg.Now().Truncate(time.Second)
	c := domain.Claims{
		Issuer:   s.cfg.Issuer,
		Audience: s.cfg.Audience,
		Subject:  req.Subject,
		Tenant:   req.Tenant,
		Topic:    req.Topic,
		IssuedAt: now,
		Expiry:   now.Add(ttl),
		JTI:      uuid.NewString(),
	}
	tok, err := s.Sign(c)
	if err != nil {
		return "", domain.Claims{}, fmt.Errorf("sign stream token: %w", err)
	}
	return tok, c, nil
}
