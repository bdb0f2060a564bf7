package stream

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"stream-gateway/middleware/admission"
	admissiondomain "stream-gateway/middleware/admission/domain"
	admissioninfra "stream-gateway/middleware/admission/infra"
	"stream-gateway/stream/application"
	"stream-gateway/stream/domain"
	"stream-gateway/stream/infra"

	"go.uber.org/zap"
)

const maxPublishBody = 64 << 10

type issueRequest struct {
	Topic      string `json:"topic"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type issueResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Topic      string    `json:"topic"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// IssueToken troca um JWT de API (aud "api") por um token de stream de uso
// único para um tópico.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if h.opts.Tokens == nil || h.opts.APITokens == nil {
		http.NotFound(w, r)
		return
	}

	caller, err := h.opts.APITokens.Verify(bearerToken(r), "")
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Status: http.StatusUnauthorized, Reason: domain.Reason(err)})
		return
	}

	tenant := admissiondomain.Tenant(caller.Tenant)
	dec := h.opts.Admission.Decide(tenant, 1)
	admission.RecordStats(r.Context(), h.opts.Stats, h.opts.Logger, admissiondomain.StatsEvent{
		Tenant: tenant, Kind: admissiondomain.KindRequest, Allowed: dec.Allowed,
		Method: r.Method, Path: routeTemplate(r), At: h.opts.Now(),
	})
	if !dec.Allowed {
		admission.WriteRejection(w, dec, http.StatusTooManyRequests)
		return
	}
	admission.WriteRateLimitHeaders(w.Header(), dec)

	var req issueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: http.StatusBadRequest, Reason: "invalid_body"})
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: http.StatusBadRequest, Reason: "missing_topic"})
		return
	}

	tok, claims, err := h.opts.Tokens.Issue(infra.IssueRequest{
		Subject: caller.Subject,
		Tenant:  caller.Tenant,
		Topic:   req.Topic,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTTL):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status: http.StatusBadRequest, Reason: "invalid_ttl",
			Hint: "ttl_seconds must be between 1 and " + formatSeconds(h.opts.Tokens.MaxLifetime()),
		})
		return
	case err != nil:
		h.opts.Logger.Error("stream token issuance failed", zap.String("tenant", caller.Tenant), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Status: http.StatusInternalServerError, Reason: "internal_error"})
		return
	}

	h.opts.Audit.Submit(domain.AuditEvent{
		Type:         domain.AuditIssued,
		JTI:          claims.JTI,
		Subject:      claims.Subject,
		Tenant:       claims.Tenant,
		Topic:        claims.Topic,
		IssuedAt:     claims.IssuedAt,
		Expiry:       claims.Expiry,
		ClientIPHash: application.HashClientIP(h.opts.ClientIP(r)),
		Endpoint:     r.URL.Path,
	})

	writeJSON(w, http.StatusOK, issueResponse{
		Token:      tok,
		ExpiresAt:  claims.Expiry,
		Topic:      claims.Topic,
		TTLSeconds: int(claims.Expiry.Sub(claims.IssuedAt) / time.Second),
	})
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

// operatorAuthorized compara o bearer com PublishToken em tempo constante.
func (h *Handler) operatorAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if h.opts.PublishToken == "" {
		http.NotFound(w, r)
		return false
	}
	got := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.PublishToken)) != 1 {
		w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Status: http.StatusUnauthorized, Reason: "invalid_token"})
		return false
	}
	return true
}

type publishResponse struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
}

// Publish publica o corpo JSON como payload de um envelope update.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(w, r) {
		return
	}
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	env := h.opts.Manager.Publish(topicFrom(r), payload)
	writeJSON(w, http.StatusAccepted, publishResponse{Topic: env.Topic, Seq: env.Seq})
}

// PublishCost é quanto um publish com JWT consome do orçamento de QPS do tenant.
const PublishCost = 2.0

// PublishJWT é o publish de produção: JWT de API com scope stream:publish,
// tópico na allow-list e custo PublishCost na admissão do tenant.
func (h *Handler) PublishJWT(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if h.opts.APITokens == nil || len(h.opts.PublishTopics) == 0 {
		http.NotFound(w, r)
		return
	}

	caller, err := h.opts.APITokens.Verify(bearerToken(r), "")
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Status: http.StatusUnauthorized, Reason: domain.Reason(err)})
		return
	}
	if !caller.HasScope(domain.ScopePublish) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="insufficient_scope", scope="`+domain.ScopePublish+`"`)
		writeJSON(w, http.StatusForbidden, errorBody{Status: http.StatusForbidden, Reason: "insufficient_scope"})
		return
	}
	topic := topicFrom(r)
	if !slices.Contains(h.opts.PublishTopics, topic) {
		writeJSON(w, http.StatusForbidden, errorBody{Status: http.StatusForbidden, Reason: "topic_not_allowed"})
		return
	}

	tenant := admissiondomain.Tenant(caller.Tenant)
	dec := h.opts.Admission.Decide(tenant, PublishCost)
	admission.RecordStats(r.Context(), h.opts.Stats, h.opts.Logger, admissiondomain.StatsEvent{
		Tenant: tenant, Kind: admissiondomain.KindRequest, Allowed: dec.Allowed,
		Method: r.Method, Path: routeTemplate(r), At: h.opts.Now(),
	})
	if !dec.Allowed {
		admission.WriteRejection(w, dec, http.StatusTooManyRequests)
		return
	}
	admission.WriteRateLimitHeaders(w.Header(), dec)

	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	env := h.opts.Manager.Publish(topic, payload)
	h.opts.Logger.Debug("published",
		zap.String("tenant", caller.Tenant),
		zap.String("subject", caller.Subject),
		zap.String("topic", topic),
		zap.Uint64("seq", env.Seq))
	writeJSON(w, http.StatusAccepted, publishResponse{Topic: env.Topic, Seq: env.Seq})
}

// readPayload lê o corpo JSON (até maxPublishBody); corpo vazio vira {}.
// Em erro já respondeu.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: http.StatusBadRequest, Reason: "invalid_body"})
		return nil, false
	}
	if len(body) > maxPublishBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Status: http.StatusRequestEntityTooLarge, Reason: "payload_too_large"})
		return nil, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: http.StatusBadRequest, Reason: "invalid_json"})
		return nil, false
	}
	return json.RawMessage(body), true
}

type statsResponse struct {
	Stream    application.ManagerStats        `json:"stream"`
	Admission *admissioninfra.ControllerStats `json:"admission,omitempty"`
	Audit     *auditStats                     `json:"audit,omitempty"`
	// TenantStatus só aparece com ?tenant=<id> de um tenant com estado vivo.
	TenantStatus *admissioninfra.TenantStatus `json:"tenant_status,omitempty"`
}

type auditStats struct {
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(w, r) {
		return
	}
	out := statsResponse{Stream: h.opts.Manager.Stats()}
	if h.opts.AdmissionStats != nil {
		st := h.opts.AdmissionStats()
		out.Admission = &st
	}
	if h.opts.Audit != nil {
		out.Audit = &auditStats{Dropped: h.opts.Audit.Dropped(), Failed: h.opts.Audit.Failed()}
	}
	if tenant := strings.TrimSpace(r.URL.Query().Get("tenant")); tenant != "" && h.opts.TenantStatus != nil {
		if st, ok := h.opts.TenantStatus(admissiondomain.Tenant(tenant)); ok {
			out.TenantStatus = &st
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, out)
}
