package tracking

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Rewriter walks outbound message markup, wraps every destination link in a
// signed redirect URL and injects the open-tracking beacon. Rewriting is
// idempotent: URLs already pointing at the tracking base and an already
// present beacon are recognized and left alone, so a retry path calling
// Rewrite twice cannot double-wrap.
type Rewriter struct {
	signer      *Signer
	baseURL     string // tracking host, no trailing slash
	unsubMarker string
}

func NewRewriter(signer *Signer, baseURL, unsubMarker string) *Rewriter {
	return &Rewriter{
		signer:      signer,
		baseURL:     strings.TrimRight(baseURL, "/"),
		unsubMarker: unsubMarker,
	}
}

// ClickURL builds the signed redirect URL for one destination link.
func (rw *Rewriter) ClickURL(messageID, dest string) string {
	sig := rw.signer.Sign(messageID, dest)
	return fmt.Sprintf("%s/tracking/click?messageId=%s&url=%s&sig=%s",
		rw.baseURL, url.QueryEscape(messageID), url.QueryEscape(dest), sig)
}

// BeaconURL builds the open-tracking pixel URL. The t parameter busts
// intermediary caches so repeat opens actually reach us.
func (rw *Rewriter) BeaconURL(messageID string) string {
	return fmt.Sprintf("%s/tracking/open?messageId=%s&t=%s",
		rw.baseURL, url.QueryEscape(messageID), strconv.FormatInt(time.Now().UnixNano(), 36))
}

// UnsubscribeURL builds the signed one-click unsubscribe URL for a message.
func (rw *Rewriter) UnsubscribeURL(messageID string) string {
	sig := rw.signer.Sign(messageID, "unsubscribe")
	return fmt.Sprintf("%s/tracking/unsubscribe?messageId=%s&sig=%s",
		rw.baseURL, url.QueryEscape(messageID), sig)
}

// UnsubscribeHeaders returns the List-Unsubscribe header pair for a message.
func (rw *Rewriter) UnsubscribeHeaders(messageID string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", rw.UnsubscribeURL(messageID)),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}

// Rewrite parses the message HTML, replaces every trackable hyperlink with a
// signed redirect and injects exactly one open beacon before </body>.
// Skipped: non-HTTP(S) schemes, compliance links carrying the configured
// marker, and links already tracked.
func (rw *Rewriter) Rewrite(markup, messageID string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse markup: %w", err)
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !rw.trackable(href, sel) {
			return
		}
		sel.SetAttr("href", rw.ClickURL(messageID, href))
	})

	if !rw.hasBeacon(doc) {
		pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none"/>`,
			rw.BeaconURL(messageID))
		doc.Find("body").First().AppendHtml(pixel)
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize markup: %w", err)
	}
	return out, nil
}

func (rw *Rewriter) trackable(href string, sel *goquery.Selection) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	// Already wrapped — idempotency guard.
	if strings.HasPrefix(href, rw.baseURL+"/tracking/") {
		return false
	}
	// Compliance links are matched by marker, never by hostname.
	if rw.unsubMarker != "" {
		if strings.Contains(href, rw.unsubMarker) || sel.HasClass(rw.unsubMarker) {
			return false
		}
	}
	return true
}

func (rw *Rewriter) hasBeacon(doc *goquery.Document) bool {
	found := false
	prefix := rw.baseURL + "/tracking/open"
	doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if src, ok := sel.Attr("src"); ok && strings.HasPrefix(src, prefix) {
			found = true
			return false
		}
		return true
	})
	return found
}
