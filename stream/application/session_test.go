package application

import (
	"context"
	"testing"
	"time"

	"stream-gateway/stream/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runResult struct{ err error }

func startSession(ctx context.Context, s *Session, m *Manager, sink Sink) <-chan runResult {
	out := make(chan runResult, 1)
	go func() { out <- runResult{err: s.Run(ctx, m, sink)} }()
	return out
}

func waitRun(t *testing.T, ch <-chan runResult, d time.Duration) error {
	t.Helper()
	select {
	case r := <-ch:
		return r.err
	case <-time.After(d):
		t.Fatalf("session did not finish in %s", d)
		return nil
	}
}

func authenticated(t *testing.T, s *Session, mode domain.AuthMode, exp time.Time) {
	t.Helper()
	require.NoError(t, s.Authenticated(mode, domain.Claims{
		Tenant: "acme", Topic: s.Topic, JTI: "j", IssuedAt: time.Now(), Expiry: exp,
	}))
}

func TestSession_LateSubscriberResumesWithoutGapOrDuplicate(t *testing.T) {
	m := newTestManager(16)
	publishN(m, "kp.moon.chain", 5)

	// cliente viu até o seq 2 e reconecta com Last-Event-ID: 2
	s := NewSession("kp.moon.chain", seqPtr(2), SessionConfig{Heartbeat: time.Hour})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := startSession(ctx, s, m, sink)

	sink.waitFor(t, time.Second, countUpdates(3))
	m.Publish("kp.moon.chain", nil)
	sink.waitFor(t, time.Second, countUpdates(4))

	assert.Equal(t, []uint64{3, 4, 5, 6}, sink.updateSeqs())
	assert.Equal(t, domain.StateStreaming, s.State())

	cancel()
	assert.NoError(t, waitRun(t, done, time.Second))
	assert.Equal(t, domain.StateClosed, s.State())
	assert.Equal(t, 0, m.Subscribers("kp.moon.chain"))
}

func TestSession_FreshStartGetsOnlyLiveEnvelopes(t *testing.T) {
	m := newTestManager(16)
	publishN(m, "t", 3)

	s := NewSession("t", nil, SessionConfig{Heartbeat: time.Hour})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := startSession(ctx, s, m, sink)

	require.Eventually(t, func() bool { return m.Subscribers("t") == 1 }, time.Second, time.Millisecond)
	m.Publish("t", nil)
	sink.waitFor(t, time.Second, countUpdates(1))
	assert.Equal(t, []uint64{4}, sink.updateSeqs())

	cancel()
	assert.NoError(t, waitRun(t, done, time.Second))
}

func TestSession_GapEmitsResetAndCloses(t *testing.T) {
	m := newTestManager(3)
	publishN(m, "t", 10)

	closed := 0
	s := NewSession("t", seqPtr(2), SessionConfig{Heartbeat: time.Hour})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))
	s.OnClose(func() { closed++ })
	sink := newRecordingSink()

	err := s.Run(context.Background(), m, sink)
	require.ErrorIs(t, err, domain.ErrResumeGap)

	out := sink.snapshot()
	require.Len(t, out, 1)
	assert.Equal(t, domain.EventReset, out[0].Event)
	assert.Equal(t, ResetData{Reason: "resume_gap", LastEventID: 2, OldestSeq: 8, LatestSeq: 10}, out[0].Data)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.ErrorIs(t, s.CloseReason(), domain.ErrResumeGap)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, m.Subscribers("t"))
}

func TestSession_KeepaliveAfterIdleHeartbeat(t *testing.T) {
	m := newTestManager(16)
	s := NewSession("t", nil, SessionConfig{Heartbeat: 20 * time.Millisecond})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := startSession(ctx, s, m, sink)

	sink.waitFor(t, time.Second, hasEvent(domain.EventKeepalive))
	assert.False(t, s.LastHeartbeat().IsZero())

	cancel()
	assert.NoError(t, waitRun(t, done, time.Second))
}

func TestSession_QueryTokenExpiresMidStream(t *testing.T) {
	m := newTestManager(16)
	heartbeat := 50 * time.Millisecond
	s := NewSession("t", nil, SessionConfig{Heartbeat: heartbeat})
	exp := time.Now().Add(80 * time.Millisecond)
	authenticated(t, s, domain.AuthQuery, exp)
	sink := newRecordingSink()

	done := startSession(context.Background(), s, m, sink)
	err := waitRun(t, done, time.Second)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
	assert.WithinDuration(t, exp, time.Now(), heartbeat+50*time.Millisecond)

	out := sink.snapshot()
	require.NotEmpty(t, out)
	last := out[len(out)-1]
	assert.Equal(t, domain.EventError, last.Event)
	assert.Equal(t, ErrorData{Status: 401, Reason: "token_expired"}, last.Data)
	assert.Equal(t, domain.StateClosed, s.State())
}

func TestSession_HeaderTokenIsNotExpiredMidStream(t *testing.T) {
	m := newTestManager(16)
	s := NewSession("t", nil, SessionConfig{Heartbeat: 20 * time.Millisecond})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(30*time.Millisecond))
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := startSession(ctx, s, m, sink)

	time.Sleep(150 * time.Millisecond)
	m.Publish("t", nil)
	sink.waitFor(t, time.Second, countUpdates(1))

	for _, w := range sink.snapshot() {
		assert.NotEqual(t, domain.EventError, w.Event)
	}
	assert.Equal(t, domain.StateStreaming, s.State())

	cancel()
	assert.NoError(t, waitRun(t, done, time.Second))
}

func TestSession_SlowConsumerGetsErrorEvent(t *testing.T) {
	m := newTestManager(16, WithSubscriberBuffer(1))
	s := NewSession("t", nil, SessionConfig{Heartbeat: time.Hour})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))

	// sink travado: a sessão não consome o canal
	block := make(chan struct{})
	sink := &blockingSink{recordingSink: newRecordingSink(), block: block}
	done := startSession(context.Background(), s, m, sink)

	require.Eventually(t, func() bool { return m.Subscribers("t") == 1 }, time.Second, time.Millisecond)
	publishN(m, "t", 3)
	close(block)

	err := waitRun(t, done, time.Second)
	require.ErrorIs(t, err, domain.ErrSlowConsumer)
	sink.waitFor(t, time.Second, hasEvent(domain.EventError))
}

type blockingSink struct {
	*recordingSink
	block chan struct{}
}

func (s *blockingSink) WriteEnvelope(env domain.Envelope) error {
	<-s.block
	return s.recordingSink.WriteEnvelope(env)
}

func TestSession_WriteErrorEndsRun(t *testing.T) {
	m := newTestManager(16)
	publishN(m, "t", 3)
	s := NewSession("t", seqPtr(0), SessionConfig{Heartbeat: time.Hour})
	authenticated(t, s, domain.AuthHeader, time.Now().Add(time.Hour))
	sink := newRecordingSink()
	sink.failOn = 2

	err := s.Run(context.Background(), m, sink)
	assert.ErrorIs(t, err, errSinkClosed)
	assert.Equal(t, domain.StateClosed, s.State())
}

func TestSession_TransitionsAreEnforced(t *testing.T) {
	s := NewSession("t", nil, SessionConfig{})
	assert.Equal(t, domain.StateAuthenticating, s.State())
	require.ErrorIs(t, s.transition(domain.StateStreaming), ErrInvalidTransition)
	require.NoError(t, s.transition(domain.StateFreshStart))
	require.ErrorIs(t, s.Authenticated(domain.AuthHeader, domain.Claims{}), ErrInvalidTransition)

	s.Close(nil)
	s.Close(nil)
	assert.Equal(t, domain.StateClosed, s.State())
	require.ErrorIs(t, s.transition(domain.StateClosed), ErrInvalidTransition)
}
