package credentials

import (
	"context"
	"testing"
)

func TestStaticTokenReturnsConfiguredValue(t *testing.T) {
	t.Parallel()

	c := NewStatic("secret-123")
	tok, err := c.Token(context.Background())
	if err != nil || tok != "secret-123" {
		t.Fatalf("expected (\"secret-123\", nil), got (%q, %v)", tok, err)
	}
}

func TestStaticTokenToleratesUnconfigured(t *testing.T) {
	t.Parallel()

	c := NewStatic("")
	tok, err := c.Token(context.Background())
	if err != nil || tok != "" {
		t.Fatalf("expected (\"\", nil) for an unconfigured secret, got (%q, %v)", tok, err)
	}
}
