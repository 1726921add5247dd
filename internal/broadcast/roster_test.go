package broadcast

import (
	"context"
	"testing"
)

func TestRoster(t *testing.T) {
	r := NewRoster()

	if r.Authorized("alice", "tenant-1") {
		t.Error("empty roster authorized someone")
	}

	r.Grant("alice", "tenant-1")
	r.Grant("alice", "tenant-2")

	if !r.Authorized("alice", "tenant-1") || !r.Authorized("alice", "tenant-2") {
		t.Error("granted tenants not authorized")
	}
	if r.Authorized("alice", "tenant-3") {
		t.Error("ungranted tenant authorized")
	}
	if r.Authorized("bob", "tenant-1") {
		t.Error("unknown subject authorized")
	}

	r.Revoke("alice", "tenant-1")
	if r.Authorized("alice", "tenant-1") {
		t.Error("revoked grant still authorized")
	}
	if !r.Authorized("alice", "tenant-2") {
		t.Error("revocation bled into another tenant")
	}

	// Revoking what was never granted is a no-op.
	r.Revoke("bob", "tenant-1")
}

func TestSubjectContext(t *testing.T) {
	ctx := context.Background()
	if got := SubjectFromContext(ctx); got != "" {
		t.Errorf("empty context subject = %q", got)
	}
	ctx = WithSubject(ctx, "alice")
	if got := SubjectFromContext(ctx); got != "alice" {
		t.Errorf("subject = %q, want alice", got)
	}
}
