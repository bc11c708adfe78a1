package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distbuild/agent/internal/agentserver"
)

// fastSleep replaces the real backoff wait in tests with an immediate,
// cancellation-respecting no-op so budget-exhaustion scenarios (spec.md §8
// S4/S5) don't burn real wall-clock minutes.
func fastSleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// fakeServer is a scripted agentserver.AgentServer used to drive the
// end-to-end scenarios of spec.md §8.
type fakeServer struct {
	mu sync.Mutex

	createCalls int
	createErrs  []error // consumed in order, then nil forever

	messages []messageOrErr

	refreshCalls int
	deletedMsgs  []uint64
	deletedSess  []uuid.UUID
}

type messageOrErr struct {
	msg *agentserver.Message
	err error
}

func (f *fakeServer) Connect(ctx context.Context, uri string, creds agentserver.CredentialManager) error {
	return nil
}

func (f *fakeServer) CreateAgentSession(ctx context.Context, poolID int64, d agentserver.SessionDescriptor) (agentserver.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.createCalls
	f.createCalls++
	if idx < len(f.createErrs) && f.createErrs[idx] != nil {
		return agentserver.Session{}, f.createErrs[idx]
	}
	return agentserver.Session{SessionID: uuid.New()}, nil
}

func (f *fakeServer) DeleteAgentSession(ctx context.Context, poolID int64, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSess = append(f.deletedSess, sessionID)
	return nil
}

func (f *fakeServer) GetAgentMessage(ctx context.Context, poolID int64, sessionID uuid.UUID, lastMessageID *uint64) (*agentserver.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, nil
	}
	next := f.messages[0]
	f.messages = f.messages[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.msg, nil
}

func (f *fakeServer) DeleteAgentMessage(ctx context.Context, poolID int64, messageID uint64, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedMsgs = append(f.deletedMsgs, messageID)
	return nil
}

func (f *fakeServer) RefreshConnection(ctx context.Context, channel agentserver.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return nil
}

type fakeTerminal struct {
	mu           sync.Mutex
	errors       []string
	reconnects   int
	infoMessages []string
}

func (t *fakeTerminal) WriteError(at time.Time, message string, next time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, message)
}

func (t *fakeTerminal) WriteReconnected(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
}

func (t *fakeTerminal) WriteInfo(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.infoMessages = append(t.infoMessages, message)
}

type fakeConfig struct{ progressive bool }

func (c fakeConfig) EnableProgressiveRetryBackoff() bool { return c.progressive }

func newTestListener(server *fakeServer, term *fakeTerminal, progressive bool) *Listener {
	l := New(Config{
		Settings:  agentserver.AgentSettings{PoolID: 1, AgentID: 42, AgentName: "agent-1"},
		Server:    server,
		ServerURI: "fake://",
		ConfigMgr: fakeConfig{progressive: progressive},
		Terminal:  term,
		Version:   "test",
	}, zap.NewNop())
	l.sleep = fastSleep
	return l
}

func TestCreateSessionSucceedsAndResetsBudgets(t *testing.T) {
	t.Parallel()

	server := &fakeServer{}
	term := &fakeTerminal{}
	l := newTestListener(server, term, true)

	l.budget.AddSessionConflict(2 * time.Minute)
	l.budget.AddClockSkew(10 * time.Minute)

	ok, err := l.CreateSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected CreateSession to succeed, got ok=%v err=%v", ok, err)
	}
	if l.budget.SessionConflictElapsed() != 0 || l.budget.ClockSkewElapsed() != 0 {
		t.Fatalf("expected both budgets to reset to zero after success")
	}
	if l.currentSessionID() == uuid.Nil {
		t.Fatal("expected a session id to be published")
	}
}

func TestHappyPathThreeMessagesInOrder(t *testing.T) {
	t.Parallel()

	server := &fakeServer{
		messages: []messageOrErr{
			{msg: &agentserver.Message{MessageID: 10, Body: "a"}},
			{msg: &agentserver.Message{MessageID: 11, Body: "b"}},
			{msg: &agentserver.Message{MessageID: 12, Body: "c"}},
		},
	}
	term := &fakeTerminal{}
	l := newTestListener(server, term, true)

	ok, err := l.CreateSession(context.Background())
	if !ok || err != nil {
		t.Fatalf("CreateSession failed: ok=%v err=%v", ok, err)
	}

	var lastID uint64
	for i := 0; i < 3; i++ {
		msg, err := l.GetNextMessageAsync(context.Background())
		if err != nil {
			t.Fatalf("GetNextMessageAsync %d failed: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("expected a message at step %d", i)
		}
		lastID = msg.MessageID
	}
	if lastID != 12 {
		t.Fatalf("expected lastMessageID to end at 12, got %d", lastID)
	}
	if *l.lastMessageID != 12 {
		t.Fatalf("expected internal lastMessageID to be 12, got %d", *l.lastMessageID)
	}
}

func TestSessionExpiredRecoversAndContinues(t *testing.T) {
	t.Parallel()

	server := &fakeServer{
		messages: []messageOrErr{
			{msg: &agentserver.Message{MessageID: 1, Body: "x"}},
			{err: NewClassifiedError(KindSessionExpired, "session expired", nil)},
			{msg: &agentserver.Message{MessageID: 1, Body: "y"}}, // first message of the new session
		},
	}
	term := &fakeTerminal{}
	l := newTestListener(server, term, true)

	ok, err := l.CreateSession(context.Background())
	if !ok || err != nil {
		t.Fatalf("initial CreateSession failed: ok=%v err=%v", ok, err)
	}
	firstSession := l.currentSessionID()

	msg, err := l.GetNextMessageAsync(context.Background())
	if err != nil || msg.MessageID != 1 {
		t.Fatalf("expected first message id 1, got msg=%v err=%v", msg, err)
	}

	// Next call hits SessionExpired, recovers transparently, and returns
	// the new session's first message.
	msg, err = l.GetNextMessageAsync(context.Background())
	if err != nil {
		t.Fatalf("expected transparent recovery, got error: %v", err)
	}
	if msg == nil || msg.MessageID != 1 {
		t.Fatalf("expected new session's message id 1, got %v", msg)
	}
	if l.currentSessionID() == firstSession {
		t.Fatal("expected a new session id after recovery")
	}
}

func TestSessionExpiredSurfacesWhenSkipRecoverSet(t *testing.T) {
	t.Parallel()

	server := &fakeServer{
		messages: []messageOrErr{
			{err: NewClassifiedError(KindSessionExpired, "session expired", nil)},
		},
	}
	term := &fakeTerminal{}
	l := New(Config{
		Settings:  agentserver.AgentSettings{PoolID: 1, AgentID: 1, AgentName: "a", SkipSessionRecover: true},
		Server:    server,
		ConfigMgr: fakeConfig{},
		Terminal:  term,
	}, zap.NewNop())
	l.sleep = fastSleep

	if _, err := l.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	_, err := l.GetNextMessageAsync(context.Background())
	if err == nil {
		t.Fatal("expected SessionExpired to surface when SkipSessionRecover is set")
	}
}

func TestSessionConflictBudgetStopsRetrying(t *testing.T) {
	t.Parallel()

	errs := make([]error, 0, 50)
	for i := 0; i < 50; i++ {
		errs = append(errs, NewClassifiedError(KindSessionConflict, "conflict", nil))
	}
	server := &fakeServer{createErrs: errs}
	term := &fakeTerminal{}
	l := newTestListener(server, term, false) // legacy: fixed 30s per retry

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = l.CreateSession(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("CreateSession did not return — budget loop likely hung (test uses a tight deadline)")
	}

	if ok {
		t.Fatal("expected CreateSession to give up once the session-conflict budget is exceeded")
	}
	if err == nil {
		t.Fatal("expected a non-nil error when the budget is exceeded")
	}
	if l.budget.SessionConflictElapsed() < sessionConflictLimit {
		t.Fatalf("expected session-conflict budget to reach its limit, got %v", l.budget.SessionConflictElapsed())
	}
}

func TestDeleteMessageNoopOnNilMessageOrNoSession(t *testing.T) {
	t.Parallel()

	server := &fakeServer{}
	l := newTestListener(server, &fakeTerminal{}, false)

	if err := l.DeleteMessageAsync(nil); err != nil {
		t.Fatalf("expected nil error for nil message, got %v", err)
	}
	if len(server.deletedMsgs) != 0 {
		t.Fatal("expected no delete call for a nil message")
	}

	// No session yet — still a no-op.
	if err := l.DeleteMessageAsync(&agentserver.Message{MessageID: 5}); err != nil {
		t.Fatalf("expected nil error with no active session, got %v", err)
	}
	if len(server.deletedMsgs) != 0 {
		t.Fatal("expected no delete call with no active session")
	}
}

func TestDeleteMessageActsOnceSessionExists(t *testing.T) {
	t.Parallel()

	server := &fakeServer{}
	l := newTestListener(server, &fakeTerminal{}, false)
	if _, err := l.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := l.DeleteMessageAsync(&agentserver.Message{MessageID: 7}); err != nil {
		t.Fatalf("DeleteMessageAsync failed: %v", err)
	}
	if len(server.deletedMsgs) != 1 || server.deletedMsgs[0] != 7 {
		t.Fatalf("expected message 7 to be deleted, got %v", server.deletedMsgs)
	}
}

func TestDeleteSessionSafeWithNoSession(t *testing.T) {
	t.Parallel()

	server := &fakeServer{}
	l := newTestListener(server, &fakeTerminal{}, false)

	if err := l.DeleteSessionAsync(); err != nil {
		t.Fatalf("expected DeleteSessionAsync to be a no-op with no session, got %v", err)
	}
	if len(server.deletedSess) != 0 {
		t.Fatal("expected no delete call with no active session")
	}
}

func TestClassifyUnwrapsClockSkewFromAccessTokenRevoked(t *testing.T) {
	t.Parallel()

	err := NewClassifiedError(KindAccessTokenRevoked, "Current server time is 2026-07-31T00:00:00Z, token issued earlier", nil)
	if got := Classify(err); got != KindClockSkew {
		t.Fatalf("expected clock-skew reclassification, got %v", got)
	}

	plain := NewClassifiedError(KindAccessTokenRevoked, "token has been revoked", nil)
	if got := Classify(plain); got != KindAccessTokenRevoked {
		t.Fatalf("expected plain access-token-revoked classification, got %v", got)
	}
}

func TestClassifyDefaultsToOther(t *testing.T) {
	t.Parallel()

	if got := Classify(errors.New("some unexpected failure")); got != KindOther {
		t.Fatalf("expected KindOther for an unclassified error, got %v", got)
	}
}

func TestKeepAliveStopsOnCancellation(t *testing.T) {
	t.Parallel()

	server := &fakeServer{}
	l := newTestListener(server, &fakeTerminal{}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.KeepAlive(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive did not exit promptly on cancellation")
	}
}
