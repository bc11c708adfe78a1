package grpcclient

import "time"

// The wire* types are the JSON payloads carried over the jsonCodec-keyed
// gRPC calls. They mirror agentserver's domain types field-for-field; kept
// separate so the wire shape can evolve (renamed/added JSON fields) without
// touching the domain model the listener depends on.

type wireSessionDescriptor struct {
	AgentID      int64             `json:"agentId"`
	AgentName    string            `json:"agentName"`
	AgentVersion string            `json:"agentVersion"`
	OS           string            `json:"os"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

type wireCreateSessionRequest struct {
	PoolID     int64                  `json:"poolId"`
	Descriptor wireSessionDescriptor  `json:"descriptor"`
}

type wireSessionKey struct {
	Value     []byte `json:"value,omitempty"`
	Encrypted bool   `json:"encrypted"`
}

type wireSession struct {
	SessionID     string         `json:"sessionId"`
	EncryptionKey wireSessionKey `json:"encryptionKey"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type wireDeleteSessionRequest struct {
	PoolID    int64  `json:"poolId"`
	SessionID string `json:"sessionId"`
}

type wireGetMessageRequest struct {
	PoolID        int64   `json:"poolId"`
	SessionID     string  `json:"sessionId"`
	LastMessageID *uint64 `json:"lastMessageId,omitempty"`
}

type wireMessage struct {
	MessageID uint64    `json:"messageId"`
	Body      string    `json:"body"`
	IV        []byte    `json:"iv,omitempty"`
	Received  time.Time `json:"received"`
}

type wireGetMessageResponse struct {
	// Message is nil when there is nothing new yet; absence is not an error.
	Message *wireMessage `json:"message,omitempty"`
}

type wireDeleteMessageRequest struct {
	PoolID    int64  `json:"poolId"`
	MessageID uint64 `json:"messageId"`
	SessionID string `json:"sessionId"`
}

type wireRefreshConnectionRequest struct {
	Channel string `json:"channel"`
}
