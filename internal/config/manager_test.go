package config

import "testing"

func TestEnableProgressiveRetryBackoffDefaultsFalse(t *testing.T) {
	m := New()
	if m.EnableProgressiveRetryBackoff() {
		t.Fatal("expected false when the env var is unset")
	}
}

func TestEnableProgressiveRetryBackoffReadsTruthyValue(t *testing.T) {
	t.Setenv(progressiveBackoffEnvVar, "true")

	m := New()
	if !m.EnableProgressiveRetryBackoff() {
		t.Fatal("expected true when the env var is set to \"true\"")
	}
}

func TestEnableProgressiveRetryBackoffInvalidValueDefaultsFalse(t *testing.T) {
	t.Setenv(progressiveBackoffEnvVar, "not-a-bool")

	m := New()
	if m.EnableProgressiveRetryBackoff() {
		t.Fatal("expected false for an unparsable value")
	}
}
