package server

import (
	"testing"
	"time"
)

const stateSecret = "state-secret"

func TestStateRoundTrip(t *testing.T) {
	manager := NewStateManager(StateManagerConfig{SigningSecret: []byte(stateSecret)})

	token, err := manager.IssueState("DEVICE-1")
	if err != nil {
		t.Fatalf("failed to issue state: %v", err)
	}

	device, err := manager.ValidateState(token)
	if err != nil {
		t.Fatalf("failed to validate state: %v", err)
	}
	if device != "DEVICE-1" {
		t.Fatalf("expected device DEVICE-1, got %q", device)
	}
}

func TestStateExpires(t *testing.T) {
	issuedAt := time.Unix(1_700_000_000, 0)
	now := issuedAt
	manager := NewStateManager(StateManagerConfig{
		SigningSecret: []byte(stateSecret),
		TTL:           time.Minute,
		Clock:         func() time.Time { return now },
	})

	token, err := manager.IssueState("DEVICE-1")
	if err != nil {
		t.Fatalf("failed to issue state: %v", err)
	}

	now = issuedAt.Add(2 * time.Minute)
	if _, err := manager.ValidateState(token); err == nil {
		t.Fatal("expected expired state token to be rejected")
	}
}

func TestStateRejectsWrongSecret(t *testing.T) {
	issuer := NewStateManager(StateManagerConfig{SigningSecret: []byte(stateSecret)})
	verifier := NewStateManager(StateManagerConfig{SigningSecret: []byte("other-secret")})

	token, err := issuer.IssueState("DEVICE-1")
	if err != nil {
		t.Fatalf("failed to issue state: %v", err)
	}
	if _, err := verifier.ValidateState(token); err == nil {
		t.Fatal("expected token signed with different secret to be rejected")
	}
}

func TestIssueStateRequiresDevice(t *testing.T) {
	manager := NewStateManager(StateManagerConfig{SigningSecret: []byte(stateSecret)})
	if _, err := manager.IssueState(""); err == nil {
		t.Fatal("expected empty device subject to be rejected")
	}
}
