package grpcclient

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/distbuild/agent/internal/listener"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	t.Parallel()

	c := jsonCodec{}
	in := wireCreateSessionRequest{PoolID: 7, Descriptor: wireSessionDescriptor{AgentID: 1, AgentName: "a"}}
	data, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out wireCreateSessionRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.PoolID != in.PoolID || out.Descriptor.AgentName != in.Descriptor.AgentName {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestClassifyGRPCErrorMapsKnownCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code codes.Code
		want listener.Kind
	}{
		{codes.Unavailable, listener.KindSocketFailure},
		{codes.Unauthenticated, listener.KindAccessTokenRevoked},
		{codes.PermissionDenied, listener.KindUnauthorized},
		{codes.Aborted, listener.KindSessionConflict},
		{codes.FailedPrecondition, listener.KindSessionExpired},
		{codes.Canceled, listener.KindCancelled},
		{codes.Internal, listener.KindOther},
	}

	for _, tc := range cases {
		err := classifyGRPCError(status.Error(tc.code, "boom"))
		if got := listener.Classify(err); got != tc.want {
			t.Fatalf("code %v: expected Kind %v, got %v", tc.code, tc.want, got)
		}
	}
}

func TestClassifyGRPCErrorNotFoundDistinguishesPoolFromAgent(t *testing.T) {
	t.Parallel()

	poolErr := classifyGRPCError(status.Error(codes.NotFound, "pool 4 does not exist"))
	if got := listener.Classify(poolErr); got != listener.KindPoolNotFound {
		t.Fatalf("expected KindPoolNotFound, got %v", got)
	}

	agentErr := classifyGRPCError(status.Error(codes.NotFound, "agent 9 does not exist"))
	if got := listener.Classify(agentErr); got != listener.KindAgentNotFound {
		t.Fatalf("expected KindAgentNotFound, got %v", got)
	}
}

func TestClassifyGRPCErrorNilIsNil(t *testing.T) {
	t.Parallel()

	if err := classifyGRPCError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestClassifyGRPCErrorNonStatusFallsBackToOther(t *testing.T) {
	t.Parallel()

	err := classifyGRPCError(errors.New("not a grpc status"))
	if got := listener.Classify(err); got != listener.KindOther {
		t.Fatalf("expected KindOther, got %v", got)
	}
}
