package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Hasher produces the opaque recipient identifiers stored and broadcast in
// place of raw addresses. The key is separate from the URL signing key so
// rotating one does not invalidate the other.
type Hasher struct {
	key []byte
}

func NewHasher(key string) *Hasher {
	return &Hasher{key: []byte(key)}
}

// HashRecipient returns the keyed hash for a recipient address. Raw addresses
// must never reach the event store or the live feed.
func (h *Hasher) HashRecipient(address string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// TruncateIP strips the host portion of an address at write time: the last
// octet for IPv4, everything past /48 for IPv6. Unparseable input truncates
// to empty rather than being stored raw.
func TruncateIP(addr string) string {
	// Handlers may hand us host:port straight from RemoteAddr.
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// headerAllowList is the sanitized subset of client headers an event may
// carry. Everything else (cookies, auth, forwarding chains) is dropped.
var headerAllowList = []string{
	"User-Agent",
	"Referer",
	"Accept-Language",
	"Sec-Ch-Ua-Platform",
}

// SanitizeHeaders copies the allow-listed headers out of a request.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(headerAllowList))
	for _, name := range headerAllowList {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
