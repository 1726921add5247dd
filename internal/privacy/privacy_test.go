package privacy

import (
	"net/http"
	"testing"
)

func TestHashRecipient_Normalization(t *testing.T) {
	h := NewHasher("test-hash-key")

	base := h.HashRecipient("user@example.com")
	if len(base) != 32 {
		t.Fatalf("hash length = %d, want 32", len(base))
	}

	tests := []struct {
		name  string
		input string
	}{
		{"uppercase", "USER@EXAMPLE.COM"},
		{"mixed case", "User@Example.com"},
		{"leading space", "  user@example.com"},
		{"trailing space", "user@example.com  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.HashRecipient(tt.input); got != base {
				t.Errorf("HashRecipient(%q) = %s, want %s", tt.input, got, base)
			}
		})
	}
}

func TestHashRecipient_KeyAndInputSeparation(t *testing.T) {
	h := NewHasher("key-one")
	other := NewHasher("key-two")

	if h.HashRecipient("user@example.com") == other.HashRecipient("user@example.com") {
		t.Error("different keys produced the same hash")
	}
	if h.HashRecipient("user@example.com") == h.HashRecipient("other@example.com") {
		t.Error("different addresses produced the same hash")
	}
}

func TestTruncateIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ipv4", "203.0.113.77", "203.0.113.0"},
		{"ipv4 with port", "203.0.113.77:54321", "203.0.113.0"},
		{"ipv4 low octet", "10.1.2.3", "10.1.2.0"},
		{"ipv6", "2001:db8:abcd:12:34:56:78:90", "2001:db8:abcd::"},
		{"ipv6 with port", "[2001:db8:abcd:12::1]:443", "2001:db8:abcd::"},
		{"garbage", "not-an-ip", ""},
		{"empty", "", ""},
		{"hostname", "tracker.example.com:80", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateIP(tt.input); got != tt.want {
				t.Errorf("TruncateIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0")
	h.Set("Referer", "https://mail.example.com/")
	h.Set("Accept-Language", "en-US")
	h.Set("Cookie", "session=secret")
	h.Set("Authorization", "Bearer token")
	h.Set("X-Forwarded-For", "203.0.113.77")

	out := SanitizeHeaders(h)

	if out["User-Agent"] != "Mozilla/5.0" {
		t.Errorf("User-Agent not carried: %v", out)
	}
	if out["Referer"] != "https://mail.example.com/" {
		t.Errorf("Referer not carried: %v", out)
	}
	for _, blocked := range []string{"Cookie", "Authorization", "X-Forwarded-For"} {
		if _, ok := out[blocked]; ok {
			t.Errorf("%s leaked through sanitization", blocked)
		}
	}
}
