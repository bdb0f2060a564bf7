package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stream-gateway/middleware/admission"
	admissionapp "stream-gateway/middleware/admission/application"
	admissiondomain "stream-gateway/middleware/admission/domain"
	admissioninfra "stream-gateway/middleware/admission/infra"
	"stream-gateway/stream/application"
	"stream-gateway/stream/domain"
	"stream-gateway/stream/infra"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Options struct {
	Manager       *application.Manager
	Authenticator *application.Authenticator
	// Admission decide conexão e QPS por tenant (nil libera tudo).
	Admission admissionapp.Service
	// AdmissionStats e TenantStatus são opcionais e só alimentam /stream/_stats.
	AdmissionStats func() admissioninfra.ControllerStats
	TenantStatus   func(admissiondomain.Tenant) (admissioninfra.TenantStatus, bool)
	Stats          admissiondomain.StatsStore

	// Tokens emite tokens de stream; APITokens valida o bearer de /auth/stream-token.
	Tokens    *infra.TokenService
	APITokens application.TokenVerifier
	Audit     *application.AuditWriter

	// PublishToken protege publish e stats; vazio desliga os dois (404).
	PublishToken string
	// PublishTopics é a allow-list do publish com JWT; vazia desliga a rota (404).
	PublishTopics []string

	Heartbeat   time.Duration
	RetryMS     int
	Deprecation Deprecation
	ClientIP    admission.KeyFunc
	Observer    application.Observer
	Logger      *zap.Logger
	Now         func() time.Time
}

// Handler atende o handshake SSE e os endpoints auxiliares do streaming.
type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = application.DefaultHeartbeat
	}
	if opts.RetryMS <= 0 {
		opts.RetryMS = DefaultRetryMS
	}
	if opts.ClientIP == nil {
		opts.ClientIP = admission.DefaultKeyFunc("", false)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = application.NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{opts: opts}
}

// Register monta as rotas no router. Rotas fixas vêm antes de {topic}.
// streamMW envolve só as rotas SSE, na ordem dada (a primeira é a mais externa).
func (h *Handler) Register(r *mux.Router, streamMW ...mux.MiddlewareFunc) {
	stream := http.Handler(http.HandlerFunc(h.Stream))
	for i := len(streamMW) - 1; i >= 0; i-- {
		stream = streamMW[i](stream)
	}

	r.HandleFunc("/auth/stream-token", h.IssueToken).Methods(http.MethodPost)
	r.HandleFunc("/stream/_stats", h.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/stream/publish/{topic}", h.PublishJWT).Methods(http.MethodPost)
	r.HandleFunc("/stream/{topic}/publish", h.Publish).Methods(http.MethodPost)
	r.Handle("/stream/{topic}", stream).Methods(http.MethodGet)
	r.Handle("/stream", stream).Methods(http.MethodGet)
}

func topicFrom(r *http.Request) string {
	if t := mux.Vars(r)["topic"]; t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("topic"))
}

// routeTemplate devolve o template da rota ("/stream/{topic}") para que as
// estatísticas não ganhem uma entrada por tópico.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// resumePoint lê Last-Event-ID; valor inválido vira fresh start.
func resumePoint(r *http.Request) *uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	if raw == "" {
		return nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &seq
}

type errorBody struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
	Hint   string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeHandshakeError traduz o erro do handshake para status HTTP.
func (h *Handler) writeHandshakeError(w http.ResponseWriter, err error) string {
	reason := domain.Reason(err)
	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("X-Token-Validation", "failed")
	hdr.Set("X-Error-Type", reason)

	switch {
	case errors.Is(err, domain.ErrReplayStoreUnavailable):
		hdr.Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Status: http.StatusServiceUnavailable, Reason: reason})
		return "unavailable"
	case errors.Is(err, domain.ErrTokenReplayed):
		writeJSON(w, http.StatusConflict, errorBody{
			Status: http.StatusConflict, Reason: reason,
			Hint: "request a new token for each streaming connection",
		})
		return "replayed"
	}
	hdr.Set("WWW-Authenticate", `Bearer realm="stream", error="invalid_token", error_description="`+reason+`"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Status: http.StatusUnauthorized, Reason: reason,
		Hint: "request a new token from /auth/stream-token",
	})
	return "unauthorized"
}

// Stream é o handshake SSE seguido do loop de entrega da sessão.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	topic := topicFrom(r)
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: http.StatusBadRequest, Reason: "missing_topic"})
		h.opts.Observer.Handshake("bad_request")
		return
	}

	sess := application.NewSession(topic, resumePoint(r), application.SessionConfig{
		Heartbeat: h.opts.Heartbeat,
		Now:       h.opts.Now,
		Logger:    h.opts.Logger,
		Observer:  h.opts.Observer,
	})

	cred := application.Credentials{
		HeaderToken: bearerToken(r),
		QueryToken:  strings.TrimSpace(r.URL.Query().Get("token")),
		Topic:       topic,
		ClientIP:    h.opts.ClientIP(r),
		Endpoint:    r.URL.Path,
	}
	if mode, _ := cred.Mode(); mode == domain.AuthQuery {
		h.opts.Deprecation.Apply(w.Header(), h.opts.Now())
	}

	mode, claims, err := h.opts.Authenticator.Authenticate(r.Context(), cred)
	if err != nil {
		sess.Close(err)
		h.opts.Observer.Handshake(h.writeHandshakeError(w, err))
		return
	}

	tenant := admissiondomain.Tenant(claims.Tenant)
	dec, release, ok := h.admit(w, r, tenant)
	if !ok {
		sess.Close(dec.Err())
		h.opts.Observer.Handshake("rate_limited")
		return
	}
	sess.OnClose(release)

	if err := sess.Authenticated(mode, claims); err != nil {
		sess.Close(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	admission.WriteRateLimitHeaders(hdr, dec)
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-store, no-transform")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("Referrer-Policy", "no-referrer")
	hdr.Set("X-Stream-Session", sess.ID)
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	sse.disableWriteDeadline()
	if err := sse.WriteRetry(h.opts.RetryMS); err != nil {
		sess.Close(err)
		return
	}

	h.opts.Observer.Handshake("ok")
	h.opts.Observer.StreamOpened(topic)
	log := h.opts.Logger.With(
		zap.String("session", sess.ID),
		zap.String("tenant", claims.Tenant),
		zap.String("topic", topic),
		zap.String("auth_mode", string(mode)))
	log.Debug("stream opened")

	runErr := sess.Run(r.Context(), h.opts.Manager, sse)
	reason := "client_closed"
	if runErr != nil {
		reason = domain.Reason(runErr)
	}
	h.opts.Observer.StreamClosed(topic, reason)
	log.Debug("stream closed", zap.String("reason", reason))
}

// admit consome uma unidade de QPS e reserva a vaga de conexão do tenant.
// Em rejeição já respondeu 429.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, tenant admissiondomain.Tenant) (admissiondomain.Decision, func(), bool) {
	svc := h.opts.Admission
	record := func(kind admissiondomain.Kind, allowed bool) {
		admission.RecordStats(r.Context(), h.opts.Stats, h.opts.Logger, admissiondomain.StatsEvent{
			Tenant: tenant, Kind: kind, Allowed: allowed,
			Method: r.Method, Path: routeTemplate(r), At: h.opts.Now(),
		})
	}

	dec := svc.Decide(tenant, 1)
	record(admissiondomain.KindRequest, dec.Allowed)
	if !dec.Allowed {
		admission.WriteRejection(w, dec, http.StatusTooManyRequests)
		return dec, nil, false
	}

	release, conn := svc.OpenConnection(tenant)
	record(admissiondomain.KindConnection, conn.Allowed)
	if !conn.Allowed {
		admission.WriteRejection(w, conn, http.StatusTooManyRequests)
		return conn, nil, false
	}
	return dec, release, true
}
