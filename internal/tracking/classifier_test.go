package tracking

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func defaultTestClassifier() *Classifier {
	return NewClassifier(DefaultRules(3*time.Second, 30))
}

func TestClassify_UserAgents(t *testing.T) {
	c := defaultTestClassifier()
	sent := time.Now().Add(-10 * time.Minute)

	tests := []struct {
		name      string
		userAgent string
		wantLabel Label
		wantRule  RuleKind
	}{
		{"desktop browser", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", LabelHuman, ""},
		{"iphone mail", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15", LabelHuman, ""},
		{"proofpoint gateway", "Mozilla/5.0 (ProofPoint URL Defense scanner)", LabelBot, RuleUserAgentMatch},
		{"mimecast", "Mimecast-Link-Scanner/1.0", LabelBot, RuleUserAgentMatch},
		{"barracuda", "Barracuda Sentinel (EE)", LabelBot, RuleUserAgentMatch},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", LabelBot, RuleUserAgentMatch},
		{"curl", "curl/8.4.0", LabelBot, RuleUserAgentMatch},
		{"python requests", "python-requests/2.31.0", LabelBot, RuleUserAgentMatch},
		{"headless chrome", "Mozilla/5.0 HeadlessChrome/119.0", LabelBot, RuleUserAgentMatch},
		{"google image proxy", "Mozilla/5.0 (Windows NT 5.1; rv:11.0) Gecko Firefox/11.0 (via ggpht.com GoogleImageProxy)", LabelPrivacyProxy, RuleUserAgentMatch},
		{"apple mail privacy", "Mozilla/5.0 Apple Mail Privacy Protection", LabelPrivacyProxy, RuleUserAgentMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(RequestContext{
				UserAgent:      tt.userAgent,
				SentAt:         sent,
				ReceivedAt:     time.Now(),
				RecentRequests: 1,
			})
			if v.Label != tt.wantLabel {
				t.Errorf("label = %s, want %s", v.Label, tt.wantLabel)
			}
			if v.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", v.Rule, tt.wantRule)
			}
		})
	}
}

func TestClassify_Timing(t *testing.T) {
	c := defaultTestClassifier()
	now := time.Now()
	browserUA := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15"

	tests := []struct {
		name     string
		sentAt   time.Time
		want     Label
		wantConf Confidence
	}{
		{"instant open", now.Add(-500 * time.Millisecond), LabelBot, ConfidenceMedium},
		{"just under threshold", now.Add(-2 * time.Second), LabelBot, ConfidenceMedium},
		{"at threshold", now.Add(-3 * time.Second), LabelHuman, ConfidenceDefault},
		{"minutes later", now.Add(-5 * time.Minute), LabelHuman, ConfidenceDefault},
		{"unknown send time", time.Time{}, LabelHuman, ConfidenceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(RequestContext{
				UserAgent:      browserUA,
				SentAt:         tt.sentAt,
				ReceivedAt:     now,
				RecentRequests: 1,
			})
			if v.Label != tt.want {
				t.Errorf("label = %s, want %s", v.Label, tt.want)
			}
			if v.Confidence != tt.wantConf {
				t.Errorf("confidence = %s, want %s", v.Confidence, tt.wantConf)
			}
		})
	}
}

func TestClassify_RateBurst(t *testing.T) {
	c := defaultTestClassifier()
	browserUA := "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0"
	sent := time.Now().Add(-time.Hour)

	under := c.Classify(RequestContext{UserAgent: browserUA, SentAt: sent, ReceivedAt: time.Now(), RecentRequests: 30})
	if under.Label != LabelHuman {
		t.Errorf("at limit: label = %s, want human", under.Label)
	}

	over := c.Classify(RequestContext{UserAgent: browserUA, SentAt: sent, ReceivedAt: time.Now(), RecentRequests: 31})
	if over.Label != LabelBot || over.Rule != RuleRate {
		t.Errorf("over limit: label = %s rule = %s, want bot/rate", over.Label, over.Rule)
	}
}

func TestClassify_RuleOrder(t *testing.T) {
	// A gateway UA opening instantly matches the deny-list first; the timing
	// rule never gets a say.
	c := defaultTestClassifier()
	v := c.Classify(RequestContext{
		UserAgent:      "Mimecast-Link-Scanner/1.0",
		SentAt:         time.Now().Add(-100 * time.Millisecond),
		ReceivedAt:     time.Now(),
		RecentRequests: 1,
	})
	if v.Rule != RuleUserAgentMatch || v.Confidence != ConfidenceHigh {
		t.Errorf("rule = %s confidence = %s, want user_agent_match/high", v.Rule, v.Confidence)
	}
}

func TestClassify_EmptyUserAgent(t *testing.T) {
	c := defaultTestClassifier()
	v := c.Classify(RequestContext{ReceivedAt: time.Now(), RecentRequests: 1})
	if v.Label != LabelUnknown {
		t.Errorf("label = %s, want unknown", v.Label)
	}
	if v.Automated() {
		t.Error("unknown verdict must not be flagged automated")
	}
}

func TestVerdict_Automated(t *testing.T) {
	tests := []struct {
		label Label
		want  bool
	}{
		{LabelHuman, false},
		{LabelUnknown, false},
		{LabelBot, true},
		{LabelPrivacyProxy, true},
	}
	for _, tt := range tests {
		if got := (Verdict{Label: tt.label}).Automated(); got != tt.want {
			t.Errorf("Automated(%s) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
- kind: user_agent_match
  label: bot
  confidence: high
  patterns: ["badbot"]
- kind: timing
  label: bot
  confidence: medium
  min_elapsed_seconds: 5
- kind: rate
  label: bot
  confidence: high
  max_requests: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(rules))
	}
	if rules[1].MinElapsedSeconds != 5 {
		t.Errorf("timing threshold = %d, want 5", rules[1].MinElapsedSeconds)
	}

	c := NewClassifier(rules)
	v := c.Classify(RequestContext{UserAgent: "BadBot/1.0", ReceivedAt: time.Now()})
	if v.Label != LabelBot {
		t.Errorf("loaded rules did not classify: %s", v.Label)
	}
}

func TestLoadRules_UnknownKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	os.WriteFile(path, []byte("- kind: dns_lookup\n  label: bot\n"), 0644)

	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for unknown rule kind")
	}
}

func TestDetectDevice(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", "mobile"},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile", "mobile"},
		{"Mozilla/5.0 (iPad; CPU OS 17_0)", "tablet"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "desktop"},
		{"", "desktop"},
	}
	for _, tt := range tests {
		if got := detectDevice(tt.ua); got != tt.want {
			t.Errorf("detectDevice(%q) = %s, want %s", tt.ua, got, tt.want)
		}
	}
}
