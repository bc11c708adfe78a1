package grpcclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/distbuild/agent/internal/agentserver"
	"github.com/distbuild/agent/internal/listener"
)

// Method paths invoked directly via grpc.ClientConn.Invoke. There is no
// .proto-generated service descriptor in this deployment, so the path and
// the JSON codec together stand in for what protoc-gen-go-grpc would
// otherwise produce.
const (
	methodCreateSession     = "/distbuild.agent.v1.AgentService/CreateSession"
	methodDeleteSession     = "/distbuild.agent.v1.AgentService/DeleteSession"
	methodGetMessage        = "/distbuild.agent.v1.AgentService/GetMessage"
	methodDeleteMessage     = "/distbuild.agent.v1.AgentService/DeleteMessage"
	methodRefreshConnection = "/distbuild.agent.v1.AgentService/RefreshConnection"
)

// Client is the agentserver.AgentServer adapter. It keeps one grpc.ClientConn
// per agentserver.Channel so RefreshConnection can drop and redial just the
// channel that failed without disturbing the other (spec.md §4.2 item 2,
// §6).
type Client struct {
	logger *zap.Logger

	mu    sync.RWMutex
	uri   string
	creds agentserver.CredentialManager
	conns map[agentserver.Channel]*grpc.ClientConn
}

// New creates a Client. Call Connect before issuing any session calls.
func New(logger *zap.Logger) *Client {
	return &Client{
		logger: logger.Named("grpcclient"),
		conns:  make(map[agentserver.Channel]*grpc.ClientConn),
	}
}

// Connect idempotently remembers uri and credentials and dials the
// message-queue channel; the job-request channel is dialed lazily on first
// use of RefreshConnection(ChannelJobRequest).
func (c *Client) Connect(ctx context.Context, uri string, credentials agentserver.CredentialManager) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uri = uri
	c.creds = credentials

	if _, ok := c.conns[agentserver.ChannelMessageQueue]; ok {
		return nil
	}
	conn, err := c.dialLocked(ctx)
	if err != nil {
		return err
	}
	c.conns[agentserver.ChannelMessageQueue] = conn
	return nil
}

// dialLocked must be called with c.mu held.
func (c *Client) dialLocked(ctx context.Context) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	conn, err := grpc.DialContext(ctx, c.uri, opts...) //nolint:staticcheck // deprecated in 1.63 but kept for compatibility
	if err != nil {
		return nil, fmt.Errorf("grpcclient: dial %s: %w", c.uri, err)
	}
	return conn, nil
}

func (c *Client) connFor(channel agentserver.Channel) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.conns[channel]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}
	return nil, fmt.Errorf("grpcclient: channel %d not connected", channel)
}

// withAuth attaches the current bearer credential to the outgoing call.
func (c *Client) withAuth(ctx context.Context) (context.Context, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds == nil {
		return ctx, nil
	}
	token, err := creds.Token(ctx)
	if err != nil {
		return ctx, fmt.Errorf("grpcclient: refresh credential: %w", err)
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

func (c *Client) CreateAgentSession(ctx context.Context, poolID int64, descriptor agentserver.SessionDescriptor) (agentserver.Session, error) {
	conn, err := c.connFor(agentserver.ChannelMessageQueue)
	if err != nil {
		return agentserver.Session{}, err
	}
	authCtx, err := c.withAuth(ctx)
	if err != nil {
		return agentserver.Session{}, err
	}

	req := wireCreateSessionRequest{
		PoolID: poolID,
		Descriptor: wireSessionDescriptor{
			AgentID:      descriptor.AgentID,
			AgentName:    descriptor.AgentName,
			AgentVersion: descriptor.AgentVersion,
			OS:           descriptor.OS,
			Capabilities: descriptor.Capabilities,
		},
	}
	var resp wireSession
	if err := conn.Invoke(authCtx, methodCreateSession, &req, &resp); err != nil {
		return agentserver.Session{}, classifyGRPCError(err)
	}

	sessionID, err := uuid.Parse(resp.SessionID)
	if err != nil {
		return agentserver.Session{}, fmt.Errorf("grpcclient: server returned an invalid session id: %w", err)
	}
	return agentserver.Session{
		SessionID: sessionID,
		EncryptionKey: agentserver.SessionKeyMaterial{
			Value:     resp.EncryptionKey.Value,
			Encrypted: resp.EncryptionKey.Encrypted,
		},
		CreatedAt: timestamppb.New(resp.CreatedAt),
	}, nil
}

func (c *Client) DeleteAgentSession(ctx context.Context, poolID int64, sessionID uuid.UUID) error {
	conn, err := c.connFor(agentserver.ChannelMessageQueue)
	if err != nil {
		return err
	}
	authCtx, err := c.withAuth(ctx)
	if err != nil {
		return err
	}
	req := wireDeleteSessionRequest{PoolID: poolID, SessionID: sessionID.String()}
	var resp struct{}
	if err := conn.Invoke(authCtx, methodDeleteSession, &req, &resp); err != nil {
		return classifyGRPCError(err)
	}
	return nil
}

func (c *Client) GetAgentMessage(ctx context.Context, poolID int64, sessionID uuid.UUID, lastMessageID *uint64) (*agentserver.Message, error) {
	conn, err := c.connFor(agentserver.ChannelMessageQueue)
	if err != nil {
		return nil, err
	}
	authCtx, err := c.withAuth(ctx)
	if err != nil {
		return nil, err
	}
	req := wireGetMessageRequest{PoolID: poolID, SessionID: sessionID.String(), LastMessageID: lastMessageID}
	var resp wireGetMessageResponse
	if err := conn.Invoke(authCtx, methodGetMessage, &req, &resp); err != nil {
		return nil, classifyGRPCError(err)
	}
	if resp.Message == nil {
		return nil, nil
	}
	return &agentserver.Message{
		MessageID: resp.Message.MessageID,
		Body:      resp.Message.Body,
		IV:        resp.Message.IV,
		Received:  timestamppb.New(resp.Message.Received),
	}, nil
}

func (c *Client) DeleteAgentMessage(ctx context.Context, poolID int64, messageID uint64, sessionID uuid.UUID) error {
	conn, err := c.connFor(agentserver.ChannelMessageQueue)
	if err != nil {
		return err
	}
	authCtx, err := c.withAuth(ctx)
	if err != nil {
		return err
	}
	req := wireDeleteMessageRequest{PoolID: poolID, MessageID: messageID, SessionID: sessionID.String()}
	var resp struct{}
	if err := conn.Invoke(authCtx, methodDeleteMessage, &req, &resp); err != nil {
		return classifyGRPCError(err)
	}
	return nil
}

func channelName(channel agentserver.Channel) string {
	switch channel {
	case agentserver.ChannelJobRequest:
		return "job-request"
	default:
		return "message-queue"
	}
}

// RefreshConnection closes and redials just the connection backing channel,
// leaving any other channel's connection untouched (spec.md §4.2 item 2).
func (c *Client) RefreshConnection(ctx context.Context, channel agentserver.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.conns[channel]; ok {
		old.Close()
		delete(c.conns, channel)
	}
	conn, err := c.dialLocked(ctx)
	if err != nil {
		return fmt.Errorf("grpcclient: refresh %s channel: %w", channelName(channel), err)
	}
	c.conns[channel] = conn

	authCtx, err := c.withAuth(ctx)
	if err != nil {
		return err
	}
	req := wireRefreshConnectionRequest{Channel: channelName(channel)}
	var resp struct{}
	return conn.Invoke(authCtx, methodRefreshConnection, &req, &resp)
}

// classifyGRPCError maps a grpc status code to the listener's Kind taxonomy
// (spec.md §7). The mapping is this transport's own convention, since the
// taxonomy's wire representation is out of spec.md's scope.
func classifyGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return listener.NewClassifiedError(listener.KindOther, err.Error(), err)
	}

	msg := st.Message()
	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded:
		return listener.NewClassifiedError(listener.KindCancelled, msg, err)
	case codes.Unavailable:
		return listener.NewClassifiedError(listener.KindSocketFailure, msg, err)
	case codes.Unauthenticated:
		return listener.NewClassifiedError(listener.KindAccessTokenRevoked, msg, err)
	case codes.PermissionDenied:
		return listener.NewClassifiedError(listener.KindUnauthorized, msg, err)
	case codes.Aborted:
		return listener.NewClassifiedError(listener.KindSessionConflict, msg, err)
	case codes.FailedPrecondition:
		return listener.NewClassifiedError(listener.KindSessionExpired, msg, err)
	case codes.NotFound:
		if strings.HasPrefix(msg, "pool") {
			return listener.NewClassifiedError(listener.KindPoolNotFound, msg, err)
		}
		return listener.NewClassifiedError(listener.KindAgentNotFound, msg, err)
	default:
		return listener.NewClassifiedError(listener.KindOther, msg, err)
	}
}
