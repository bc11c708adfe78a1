// Package agentserver defines the data model shared across the listener,
// paging logger, and crypto layer (spec.md §3) and the constructor-injected
// interfaces to the orchestrator and the agent's local environment
// (spec.md §6, §9). Nothing in this package talks to a network or a
// filesystem directly — concrete adapters live in sibling packages
// (internal/transport/grpcclient, internal/capabilities, internal/terminal).
package agentserver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Channel identifies one of the client's underlying transport connections,
// so RefreshConnection can drop and re-establish just the one that failed.
type Channel int

const (
	ChannelMessageQueue Channel = iota
	ChannelJobRequest
)

// AgentSettings is loaded once at startup and is immutable for the
// listener's lifetime (spec.md §3).
type AgentSettings struct {
	ServerURL          string
	PoolID             int64
	AgentID            int64
	AgentName          string
	SkipSessionRecover bool
}

// Capabilities is the locally discovered capability map presented during
// CreateSession. Discovery itself is out of spec.md's scope; the map is
// whatever the host's CapabilitiesManager produces.
type Capabilities map[string]string

// SessionDescriptor is what CreateSession sends to the orchestrator: agent
// identity plus locally discovered capabilities.
type SessionDescriptor struct {
	AgentID      int64
	AgentName    string
	AgentVersion string
	OS           string
	Capabilities Capabilities
}

// Session is the server-side context returned by CreateAgentSession,
// replaced wholesale on recovery, and destroyed by DeleteAgentSession
// (spec.md §3).
type Session struct {
	SessionID     uuid.UUID
	EncryptionKey SessionKeyMaterial
	CreatedAt     *timestamppb.Timestamp
}

// SessionKeyMaterial mirrors spec.md's crypto.SessionKey shape at the wire
// level; internal/crypto consumes the same fields.
type SessionKeyMaterial struct {
	Value     []byte
	Encrypted bool
}

// Message is a unit of work returned by GetAgentMessage. Body may be
// plaintext or base64 AES-CBC ciphertext; IV is present only when Body is
// ciphertext (spec.md §3, §6).
type Message struct {
	MessageID uint64
	Body      string
	IV        []byte
	Received  *timestamppb.Timestamp
}

// AgentServer is the transport to the orchestrator. It is the single
// external collaborator the listener depends on; spec.md treats its wire
// protocol as out of scope, so this interface is the listener's entire
// contract with the network.
type AgentServer interface {
	// Connect idempotently binds the underlying transport to uri using
	// credentials. Safe to call more than once.
	Connect(ctx context.Context, uri string, credentials CredentialManager) error

	// CreateAgentSession creates a new session for poolID described by
	// descriptor.
	CreateAgentSession(ctx context.Context, poolID int64, descriptor SessionDescriptor) (Session, error)

	// DeleteAgentSession destroys a session. Best-effort; see
	// listener.DeleteSessionAsync for the 30s deadline this is called
	// under.
	DeleteAgentSession(ctx context.Context, poolID int64, sessionID uuid.UUID) error

	// GetAgentMessage long-polls for the next message after lastMessageID.
	// lastMessageID is nil for the very first poll of a session and for
	// KeepAlive's liveness probe. A nil Message with a nil error means
	// "nothing yet" — not an error.
	GetAgentMessage(ctx context.Context, poolID int64, sessionID uuid.UUID, lastMessageID *uint64) (*Message, error)

	// DeleteAgentMessage acks message id within the caller's deadline.
	DeleteAgentMessage(ctx context.Context, poolID int64, messageID uint64, sessionID uuid.UUID) error

	// RefreshConnection drops and re-establishes the transport underlying
	// the given channel, used after a retriable get-next-message error.
	RefreshConnection(ctx context.Context, channel Channel) error
}

// JobServerQueue is the file-upload queue the paging logger hands closed
// pages to (spec.md §4.5, §6). The executor and its uploader are out of
// scope; this is the listener-side contract with them.
type JobServerQueue interface {
	QueueFileUpload(timelineID, recordID uuid.UUID, artifactType, name, path string, deleteSourceOnUpload bool) error
}

// CredentialManager loads and refreshes the credentials AgentServer.Connect
// presents to the orchestrator. Credential acquisition itself (OAuth token
// exchange, on-disk cert loading) is out of spec.md's scope.
type CredentialManager interface {
	// Token returns the current bearer credential, refreshing it first if
	// it is expired or close to expiry.
	Token(ctx context.Context) (string, error)
}

// CapabilitiesManager discovers what this host can do, for inclusion in
// SessionDescriptor.Capabilities. Discovery itself is out of spec.md's
// scope; internal/capabilities provides the concrete gopsutil-backed
// implementation used by cmd/agent.
type CapabilitiesManager interface {
	Discover(ctx context.Context) Capabilities
}

// RSAKeyManager scopes access to the agent's private RSA key to the single
// call that needs it, per spec.md §5 ("the private key handle is scoped to
// the decryption call").
type RSAKeyManager interface {
	// WithPrivateKey invokes fn with the agent's private key loaded from
	// the local key store, then discards the in-memory handle.
	WithPrivateKey(ctx context.Context, fn func(unwrap func(wrapped []byte) ([]byte, error)) error) error
}

// Terminal is the one-line diagnostic surface used by the error-suppression
// contract of spec.md §4.2/§7: the first error in a retriable streak is
// user-visible, subsequent identical errors are suppressed, and recovery
// emits a single "reconnected" line.
type Terminal interface {
	WriteError(at time.Time, message string, nextRetry time.Duration)
	WriteReconnected(at time.Time)
	WriteInfo(message string)
}

// ConfigurationManager serves the dynamic knob EnableProgressiveRetryBackoff,
// read fresh at every loop entry, never cached — a "dynamic query, not a
// constant" per spec.md §9. SkipSessionRecover is not served here: it is
// part of AgentSettings and fixed for the process.
type ConfigurationManager interface {
	EnableProgressiveRetryBackoff() bool
}
