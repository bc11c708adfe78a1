package listener

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distbuild/agent/internal/agentserver"
	"github.com/distbuild/agent/internal/backoff"
	"github.com/distbuild/agent/internal/crypto"
)

const (
	// deleteDeadline bounds DeleteMessageAsync and DeleteSessionAsync,
	// independent of the caller's cancellation (spec.md §5).
	deleteDeadline = 30 * time.Second

	// keepAliveInterval is the steady-state cadence of the liveness probe
	// when it is succeeding. Only the error path consults the backoff
	// oracle to extend the delay (spec.md §4.2 item 5).
	keepAliveInterval = 30 * time.Second

	// heartbeatTraceInterval is how long the poll loop may go without a
	// message before it emits a single informational line (spec.md §4.2
	// item 2, "Heartbeat trace").
	heartbeatTraceInterval = 30 * time.Minute
)

// Config is the fixed, constructor-time wiring for a Listener: the external
// collaborators of spec.md §9 plus the immutable AgentSettings of §3.
type Config struct {
	Settings     agentserver.AgentSettings
	Server       agentserver.AgentServer
	ServerURI    string
	Credentials  agentserver.CredentialManager
	ConfigMgr    agentserver.ConfigurationManager
	Terminal     agentserver.Terminal
	Capabilities agentserver.CapabilitiesManager
	RSAKeys      agentserver.RSAKeyManager
	Version      string
}

// Listener owns the session lifecycle and the poll/keepalive loops
// (spec.md §4.2). A Listener holds at most one active session at a time;
// _session and _lastMessageID are mutated only by the poll-task methods
// (CreateSession, GetNextMessageAsync) — KeepAlive only ever reads the
// session id, via an atomic value, matching the release/acquire contract
// of spec.md §5.
type Listener struct {
	cfg    Config
	oracle *backoff.Oracle
	logger *zap.Logger

	// sleep waits out a backoff interval, returning ctx.Err() if ctx is
	// cancelled first. Overridable in tests so retry-budget scenarios
	// (spec.md §8 S4/S5) don't need to burn real wall-clock minutes.
	sleep func(ctx context.Context, d time.Duration) error

	sessionID atomic.Value // uuid.UUID, zero value until the first CreateSession

	// session and lastMessageID are single-writer state: only
	// CreateSession and GetNextMessageAsync touch them, and both run on
	// the same poll task (spec.md §5).
	session       agentserver.Session
	lastMessageID *uint64
	budget        RetryBudget

	createState  retryLoopState
	pollState    retryLoopState
	lastMessageAt time.Time
}

// retryLoopState is the per-loop BackoffState of spec.md §3: a consecutive
// error count and the interval last handed out, plus the bookkeeping
// needed for the "first error visible, then suppressed until reconnected"
// diagnostic contract of spec.md §4.2/§7.
type retryLoopState struct {
	n            int
	lastInterval time.Duration
	lastErrorMsg string
	hadError     bool
}

func (s *retryLoopState) reset() {
	s.n = 0
	s.lastInterval = 0
	s.lastErrorMsg = ""
	s.hadError = false
}

// New creates a Listener. Call CreateSession to establish the first
// session before polling.
func New(cfg Config, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		oracle: backoff.New(),
		logger: logger.Named("listener"),
		sleep:  contextSleep,
	}
}

// contextSleep is the default sleep implementation: it waits for d or
// returns ctx.Err() immediately if ctx is cancelled first, so cancellation
// during a sleep wakes without waiting for the remaining backoff
// (spec.md §5, §8 property 4).
func contextSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (l *Listener) policy() backoff.Policy {
	if l.cfg.ConfigMgr != nil && l.cfg.ConfigMgr.EnableProgressiveRetryBackoff() {
		return backoff.Progressive
	}
	return backoff.Legacy
}

func (l *Listener) currentSessionID() uuid.UUID {
	v := l.sessionID.Load()
	if v == nil {
		return uuid.Nil
	}
	return v.(uuid.UUID)
}

func (l *Listener) publishSessionID(id uuid.UUID) {
	l.sessionID.Store(id)
}

// reportRetriableError implements the first-visible/suppress-until-success
// diagnostic contract: the first error in a streak is written to the
// Terminal; identical subsequent errors are suppressed.
func (l *Listener) reportRetriableError(state *retryLoopState, err error, next time.Duration) {
	msg := err.Error()
	state.hadError = true
	if msg == state.lastErrorMsg {
		return
	}
	state.lastErrorMsg = msg
	if l.cfg.Terminal != nil {
		l.cfg.Terminal.WriteError(time.Now().UTC(), msg, next)
	}
}

// reportRecoveredIfNeeded emits the single "reconnected" line when state
// had previously reported an error, then clears the loop's state.
func (l *Listener) reportRecoveredIfNeeded(state *retryLoopState) {
	if state.hadError && l.cfg.Terminal != nil {
		l.cfg.Terminal.WriteReconnected(time.Now().UTC())
	}
	state.reset()
}

// CreateSession connects, builds a session descriptor from the agent's
// identity and locally discovered capabilities, and calls
// CreateAgentSession. On success it clears both retry budgets and returns
// true. On a non-retriable error it returns false. On a retriable error it
// sleeps for the backoff interval and retries; on cancellation it
// propagates the cancellation error.
func (l *Listener) CreateSession(ctx context.Context) (bool, error) {
	if err := l.cfg.Server.Connect(ctx, l.cfg.ServerURI, l.cfg.Credentials); err != nil {
		return false, fmt.Errorf("listener: connect failed: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		descriptor := l.buildSessionDescriptor(ctx)

		session, err := l.cfg.Server.CreateAgentSession(ctx, l.cfg.Settings.PoolID, descriptor)
		if err == nil {
			l.publishSessionID(session.SessionID)
			l.session = session
			l.lastMessageID = nil
			l.budget.Reset()
			l.lastMessageAt = time.Now()
			l.reportRecoveredIfNeeded(&l.createState)
			l.logger.Info("session created",
				zap.Stringer("session_id", session.SessionID),
				zap.Time("created_at", session.CreatedAt.AsTime()),
			)
			return true, nil
		}

		kind := Classify(err)
		if kind == KindCancelled {
			return false, err
		}
		if kind == KindAgentNotFound {
			if l.cfg.Terminal != nil {
				l.cfg.Terminal.WriteInfo("MissingAgent")
			}
			return false, err
		}
		if !retriableInCreateSession(kind) {
			return false, err
		}

		l.createState.n++
		interval := l.oracle.NextInterval(l.createState.n, l.policy(), backoff.LoopSessionCreate, l.createState.lastInterval)
		l.createState.lastInterval = interval

		if kind == KindSessionConflict {
			if l.budget.AddSessionConflict(interval) {
				if l.cfg.Terminal != nil {
					l.cfg.Terminal.WriteInfo("stop retrying: session-conflict budget exceeded")
				}
				return false, err
			}
		}
		if kind == KindClockSkew {
			if l.budget.AddClockSkew(interval) {
				if l.cfg.Terminal != nil {
					l.cfg.Terminal.WriteInfo("stop retrying: clock-skew budget exceeded")
				}
				return false, err
			}
		}

		l.reportRetriableError(&l.createState, err, interval)

		if serr := l.sleep(ctx, interval); serr != nil {
			return false, serr
		}
	}
}

func (l *Listener) buildSessionDescriptor(ctx context.Context) agentserver.SessionDescriptor {
	var caps agentserver.Capabilities
	if l.cfg.Capabilities != nil {
		caps = l.cfg.Capabilities.Discover(ctx)
	}
	return agentserver.SessionDescriptor{
		AgentID:      l.cfg.Settings.AgentID,
		AgentName:    l.cfg.Settings.AgentName,
		AgentVersion: l.cfg.Version,
		OS:           runtime.GOOS,
		Capabilities: caps,
	}
}

// GetNextMessageAsync long-polls for the next message after lastMessageID
// and returns only a non-null message; null replies are absorbed as idle
// backoff and the loop continues (spec.md §4.2 item 2).
func (l *Listener) GetNextMessageAsync(ctx context.Context) (*agentserver.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := l.cfg.Server.GetAgentMessage(ctx, l.cfg.Settings.PoolID, l.currentSessionID(), l.lastMessageID)
		if err == nil {
			if msg == nil {
				l.checkHeartbeatTrace()
				if serr := l.sleep(ctx, l.oracle.IdlePollInterval()); serr != nil {
					return nil, serr
				}
				continue
			}

			l.lastMessageID = &msg.MessageID
			l.lastMessageAt = time.Now()
			l.reportRecoveredIfNeeded(&l.pollState)
			l.logger.Debug("message received",
				zap.Uint64("message_id", msg.MessageID),
				zap.Duration("server_to_agent_latency", time.Since(msg.Received.AsTime())),
			)

			plaintext, derr := l.decrypt(msg)
			if derr != nil {
				return nil, fmt.Errorf("listener: failed to decrypt message %d: %w", msg.MessageID, derr)
			}
			msg.Body = plaintext
			return msg, nil
		}

		kind := Classify(err)
		if kind == KindCancelled {
			return nil, err
		}

		if kind == KindSessionExpired {
			if l.cfg.Settings.SkipSessionRecover {
				return nil, err
			}
			ok, recoverErr := l.CreateSession(ctx)
			if !ok {
				if recoverErr != nil {
					return nil, recoverErr
				}
				return nil, err
			}
			continue
		}

		if !retriableInGetNextMessage(kind) {
			return nil, err
		}

		l.pollState.n++
		interval := l.oracle.NextInterval(l.pollState.n, l.policy(), backoff.LoopGetNextMessage, l.pollState.lastInterval)
		l.pollState.lastInterval = interval

		if refreshErr := l.cfg.Server.RefreshConnection(ctx, agentserver.ChannelMessageQueue); refreshErr != nil {
			l.logger.Warn("failed to refresh message-queue connection", zap.Error(refreshErr))
		}

		l.reportRetriableError(&l.pollState, err, interval)

		if serr := l.sleep(ctx, interval); serr != nil {
			return nil, serr
		}
	}
}

func (l *Listener) checkHeartbeatTrace() {
	if l.lastMessageAt.IsZero() {
		l.lastMessageAt = time.Now()
		return
	}
	if time.Since(l.lastMessageAt) >= heartbeatTraceInterval {
		if l.cfg.Terminal != nil {
			l.cfg.Terminal.WriteInfo("no message received in the last 30 minutes")
		}
		l.lastMessageAt = time.Now()
	}
}

// decrypt applies the crypto layer to msg.Body using the current session's
// key. It is side-effect-free on the session: the RSA private key handle,
// when needed, is scoped to this call via RSAKeys.WithPrivateKey
// (spec.md §5).
func (l *Listener) decrypt(msg *agentserver.Message) (string, error) {
	key := crypto.SessionKey{
		Value:     l.session.EncryptionKey.Value,
		Encrypted: l.session.EncryptionKey.Encrypted,
	}

	if !key.Encrypted {
		return crypto.DecryptBody(msg.Body, msg.IV, key, nil)
	}

	if l.cfg.RSAKeys == nil {
		return "", fmt.Errorf("listener: session key is RSA-wrapped but no RSAKeyManager is configured")
	}

	var plaintext string
	err := l.cfg.RSAKeys.WithPrivateKey(context.Background(), func(unwrap func([]byte) ([]byte, error)) error {
		out, derr := crypto.DecryptBody(msg.Body, msg.IV, key, unwrapFunc(unwrap))
		if derr != nil {
			return derr
		}
		plaintext = out
		return nil
	})
	return plaintext, err
}

// unwrapFunc adapts a plain function to crypto.RSAUnwrapper.
type unwrapFunc func([]byte) ([]byte, error)

func (f unwrapFunc) Unwrap(wrapped []byte) ([]byte, error) { return f(wrapped) }

// DeleteMessageAsync acks msg by id within an independent 30-second
// deadline that does not observe ctx's cancellation, so it still runs
// during shutdown (spec.md §4.2 item 3, §5). A nil message or a session
// with no id is a no-op.
func (l *Listener) DeleteMessageAsync(msg *agentserver.Message) error {
	if msg == nil {
		return nil
	}
	sessionID := l.currentSessionID()
	if sessionID == uuid.Nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), deleteDeadline)
	defer cancel()

	return l.cfg.Server.DeleteAgentMessage(ctx, l.cfg.Settings.PoolID, msg.MessageID, sessionID)
}

// DeleteSessionAsync is a best-effort teardown under an independent
// 30-second deadline; safe to call when no session exists (spec.md §4.2
// item 4, §5).
func (l *Listener) DeleteSessionAsync() error {
	sessionID := l.currentSessionID()
	if sessionID == uuid.Nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), deleteDeadline)
	defer cancel()

	err := l.cfg.Server.DeleteAgentSession(ctx, l.cfg.Settings.PoolID, sessionID)
	l.publishSessionID(uuid.Nil)
	return err
}

// KeepAlive fires a liveness probe every 30s as long as ctx is live.
// Errors never raise: they advance the consecutive-error count and extend
// the next delay via the backoff oracle; success resets the counter
// (spec.md §4.2 item 5).
func (l *Listener) KeepAlive(ctx context.Context) {
	var state retryLoopState

	for {
		if ctx.Err() != nil {
			return
		}

		_, err := l.cfg.Server.GetAgentMessage(ctx, l.cfg.Settings.PoolID, l.currentSessionID(), nil)

		var interval time.Duration
		if err != nil {
			if Classify(err) == KindCancelled {
				return
			}
			state.n++
			interval = l.oracle.NextInterval(state.n, l.policy(), backoff.LoopKeepAlive, state.lastInterval)
			state.lastInterval = interval
			l.logger.Warn("keepalive probe failed", zap.Error(err), zap.Duration("next", interval))
		} else {
			state.reset()
			interval = keepAliveInterval
		}

		if l.sleep(ctx, interval) != nil {
			return
		}
	}
}
