// Package credentials is a minimal agentserver.CredentialManager: credential
// acquisition itself is an external collaborator spec.md §1 puts out of
// scope, so this is the simplest concrete thing that satisfies the
// interface for cmd/agent — a shared secret read once from the environment,
// supplied by cmd/agent's --agent-secret flag (DISTBUILD_AGENT_SECRET).
package credentials

import "context"

// Static presents a fixed bearer token on every call. It does not refresh or
// expire — sufficient for a shared-secret deployment; an OAuth-refreshing
// implementation would satisfy the same interface. An empty token is
// returned as-is, never as an error: running with no configured secret is a
// supported unauthenticated deployment mode (cmd/agent warns but still
// connects), and the teacher's own shared-secret pattern always attaches
// whatever secret is configured, including an empty one, rather than
// refusing to present credentials at all.
type Static struct {
	token string
}

// NewStatic creates a Static CredentialManager from a pre-shared token.
// token may be empty.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(ctx context.Context) (string, error) {
	return s.token, nil
}
