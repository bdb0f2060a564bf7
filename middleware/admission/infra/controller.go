package infra

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"stream-gateway/middleware/admission/domain"

	"go.uber.org/zap"
)

// Controller é o controlador de admissão por tenant: um TokenBucket e um
// contador de conexões por tenant, cada um protegido pelo mutex do próprio tenant.
//
// Não existe lock global: o mapa de tenants é um sync.Map e a decisão de um
// tenant nunca espera o trecho crítico de outro.
type Controller struct {
	tenants   sync.Map // domain.Tenant -> *tenantState
	overrides sync.Map // domain.Tenant -> domain.Limits

	defaults       domain.Limits
	idleTTL        time.Duration
	connRetryAfter time.Duration
	sweepEvery     uint64
	clock          Clock
	logger         *zap.Logger

	ops atomic.Uint64

	// onLocked roda logo depois de adquirir o lock do tenant (só testes).
	onLocked func(domain.Tenant)
}

type tenantState struct {
	mu           sync.Mutex
	limits       domain.Limits
	bucket       *TokenBucket
	active       int
	lastActivity time.Time
	// evicted marca um estado já removido do mapa; quem pegou o ponteiro
	// antes da remoção precisa buscar de novo.
	evicted bool
}

// TenantStatus é um retrato do estado de um tenant.
type TenantStatus struct {
	Tenant              domain.Tenant `json:"tenant"`
	QPSLimit            float64       `json:"qps_limit"`
	BurstLimit          int           `json:"burst_limit"`
	ConnectionLimit     int           `json:"connection_limit"`
	ActiveConnections   int           `json:"active_connections"`
	RemainingTokens     float64       `json:"remaining_tokens"`
	ConnectionAvailable bool          `json:"connection_available"`
}

type ControllerStats struct {
	Tenants           int `json:"total_tenants"`
	ActiveConnections int `json:"total_connections"`
}

type ControllerOption func(*Controller)

func WithIdleTTL(d time.Duration) ControllerOption {
	return func(c *Controller) { c.idleTTL = d }
}

func WithClock(clock Clock) ControllerOption {
	return func(c *Controller) { c.clock = clock }
}

// WithConnectionRetryAfter define o Retry-After sugerido quando o limite de conexões estoura.
func WithConnectionRetryAfter(d time.Duration) ControllerOption {
	return func(c *Controller) { c.connRetryAfter = d }
}

// WithSweepEvery define a cada quantas operações o chamador varre os outros
// tenants procurando estados ociosos. 0 desliga a varredura.
func WithSweepEvery(n uint64) ControllerOption {
	return func(c *Controller) { c.sweepEvery = n }
}

func WithLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

func NewController(defaults domain.Limits, opts ...ControllerOption) (*Controller, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		defaults:       defaults,
		idleTTL:        10 * time.Minute,
		connRetryAfter: 60 * time.Second,
		sweepEvery:     1024,
		clock:          SystemClock,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) limitsFor(tenant domain.Tenant) domain.Limits {
	if v, ok := c.overrides.Load(tenant); ok {
		return v.(domain.Limits)
	}
	return c.defaults
}

// lock devolve o estado do tenant já travado, criando-o com os limites
// padrão (ou o override) no primeiro acesso.
func (c *Controller) lock(tenant domain.Tenant) *tenantState {
	for {
		v, ok := c.tenants.Load(tenant)
		if !ok {
			limits := c.limitsFor(tenant)
			now := c.clock.Now()
			fresh := &tenantState{
				limits:       limits,
				bucket:       NewTokenBucket(float64(limits.Burst), limits.QPS, now),
				lastActivity: now,
			}
			v, _ = c.tenants.LoadOrStore(tenant, fresh)
		}
		st := v.(*tenantState)
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		if c.onLocked != nil {
			c.onLocked(tenant)
		}
		return st
	}
}

// lockExisting é como lock, mas não cria estado para tenant desconhecido.
func (c *Controller) lockExisting(tenant domain.Tenant) (*tenantState, bool) {
	for {
		v, ok := c.tenants.Load(tenant)
		if !ok {
			return nil, false
		}
		st := v.(*tenantState)
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		return st, true
	}
}

// SetTenantLimits é um upsert idempotente. O nível atual de tokens é mantido.
func (c *Controller) SetTenantLimits(tenant domain.Tenant, limits domain.Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.overrides.Store(tenant, limits)

	st := c.lock(tenant)
	now := c.clock.Now()
	st.limits = limits
	st.bucket.Resize(now, float64(limits.Burst), limits.QPS)
	st.lastActivity = now
	st.mu.Unlock()

	c.afterOp(tenant)
	return nil
}

// AllowRequest consome cost tokens do bucket do tenant.
func (c *Controller) AllowRequest(tenant domain.Tenant, cost float64) domain.Decision {
	st := c.lock(tenant)
	now := c.clock.Now()

	allowed := st.bucket.TryConsume(now, cost)
	dec := domain.Decision{
		Allowed:   allowed,
		Kind:      domain.KindRequest,
		Limit:     int(math.Ceil(st.limits.QPS)),
		Remaining: int(math.Floor(st.bucket.Remaining(now))),
		Reset:     domain.NextHour(now),
	}
	if !allowed {
		dec.RetryAfter = retryAfterFromWait(st.bucket.WaitFor(now, cost), c.connRetryAfter)
	}
	st.lastActivity = now
	c.maybeEvictLocked(tenant, st, now)
	st.mu.Unlock()

	c.afterOp(tenant)
	return dec
}

// AllowConnectionOpen verifica e incrementa o contador de conexões numa única
// seção crítica; quem recebe Allowed=true deve chamar OnConnectionClose depois.
func (c *Controller) AllowConnectionOpen(tenant domain.Tenant) domain.Decision {
	st := c.lock(tenant)
	now := c.clock.Now()

	dec := domain.Decision{
		Kind:  domain.KindConnection,
		Limit: st.limits.Connections,
		Reset: domain.NextHour(now),
	}
	if st.active >= st.limits.Connections {
		dec.RetryAfter = c.connRetryAfter
	} else {
		st.active++
		dec.Allowed = true
	}
	dec.Remaining = max(st.limits.Connections-st.active, 0)
	st.lastActivity = now
	st.mu.Unlock()

	c.afterOp(tenant)
	return dec
}

// OnConnectionClose decrementa o contador. Fechar não conta como atividade:
// um tenant ocioso há muito tempo pode ser despejado já aqui.
func (c *Controller) OnConnectionClose(tenant domain.Tenant) {
	st, ok := c.lockExisting(tenant)
	if !ok {
		return
	}
	if st.active > 0 {
		st.active--
	}
	c.maybeEvictLocked(tenant, st, c.clock.Now())
	st.mu.Unlock()

	c.afterOp(tenant)
}

// MaybeEvict remove o tenant se estiver ocioso além do TTL, com o bucket cheio
// e sem conexões ativas. Retorna true se o tenant não está (mais) no mapa.
func (c *Controller) MaybeEvict(tenant domain.Tenant) bool {
	st, ok := c.lockExisting(tenant)
	if !ok {
		return true
	}
	defer st.mu.Unlock()
	return c.maybeEvictLocked(tenant, st, c.clock.Now())
}

// precisa ser chamado com st.mu travado.
func (c *Controller) maybeEvictLocked(tenant domain.Tenant, st *tenantState, now time.Time) bool {
	if st.active != 0 {
		return false
	}
	if now.Sub(st.lastActivity) <= c.idleTTL {
		return false
	}
	if !st.bucket.Full(now) {
		return false
	}
	st.evicted = true
	c.tenants.CompareAndDelete(tenant, st)
	c.logger.Debug("tenant state evicted", zap.String("tenant", string(tenant)))
	return true
}

func (c *Controller) afterOp(tenant domain.Tenant) {
	if c.sweepEvery == 0 {
		return
	}
	if c.ops.Add(1)%c.sweepEvery != 0 {
		return
	}
	c.Sweep(tenant)
}

// Sweep visita os demais tenants e despeja os ociosos. Usa TryLock: um tenant
// ocupado é simplesmente pulado, nunca esperado.
func (c *Controller) Sweep(skip domain.Tenant) int {
	evicted := 0
	c.tenants.Range(func(k, v any) bool {
		tenant := k.(domain.Tenant)
		if tenant == skip {
			return true
		}
		st := v.(*tenantState)
		if !st.mu.TryLock() {
			return true
		}
		if !st.evicted && c.maybeEvictLocked(tenant, st, c.clock.Now()) {
			evicted++
		}
		st.mu.Unlock()
		return true
	})
	return evicted
}

// Status devolve o retrato do tenant sem criar estado novo.
func (c *Controller) Status(tenant domain.Tenant) (TenantStatus, bool) {
	st, ok := c.lockExisting(tenant)
	if !ok {
		return TenantStatus{}, false
	}
	defer st.mu.Unlock()
	return TenantStatus{
		Tenant:              tenant,
		QPSLimit:            st.limits.QPS,
		BurstLimit:          st.limits.Burst,
		ConnectionLimit:     st.limits.Connections,
		ActiveConnections:   st.active,
		RemainingTokens:     st.bucket.Remaining(c.clock.Now()),
		ConnectionAvailable: st.active < st.limits.Connections,
	}, true
}

// Stats trava um tenant por vez, nunca o mapa inteiro.
func (c *Controller) Stats() ControllerStats {
	var out ControllerStats
	c.tenants.Range(func(_, v any) bool {
		st := v.(*tenantState)
		st.mu.Lock()
		if !st.evicted {
			out.Tenants++
			out.ActiveConnections += st.active
		}
		st.mu.Unlock()
		return true
	})
	return out
}

func retryAfterFromWait(wait, fallback time.Duration) time.Duration {
	if wait < 0 {
		return fallback
	}
	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
