package tracking

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Label is the classifier's verdict on who (or what) fired a request.
type Label string

const (
	LabelHuman        Label = "human"
	LabelBot          Label = "bot"
	LabelPrivacyProxy Label = "privacy-proxy"
	LabelUnknown      Label = "unknown"
)

// Confidence grades a verdict. Classification is a heuristic, never a
// guarantee; confidence is reported so consumers can decide how much weight
// to give it.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceDefault Confidence = "default"
)

// RuleKind selects which evaluator a rule runs through.
type RuleKind string

const (
	RuleUserAgentMatch RuleKind = "user_agent_match"
	RuleTiming         RuleKind = "timing"
	RuleRate           RuleKind = "rate"
)

// Rule is one entry of the ordered classification table. Keeping rules as
// data means the deny-list evolves without touching the evaluator.
type Rule struct {
	Kind       RuleKind   `yaml:"kind"`
	Label      Label      `yaml:"label"`
	Confidence Confidence `yaml:"confidence"`

	// user_agent_match: case-insensitive substring patterns.
	Patterns []string `yaml:"patterns,omitempty"`
	// timing: opens arriving sooner than this after send are not human.
	MinElapsedSeconds int `yaml:"min_elapsed_seconds,omitempty"`
	// rate: more requests than this from one source IP inside the window.
	MaxRequests int `yaml:"max_requests,omitempty"`
}

// RequestContext carries the only signals classification may use. The rate
// counter value is sampled by the caller beforehand so Classify itself stays
// a pure function with no network or disk access.
type RequestContext struct {
	UserAgent      string
	Referer        string
	SentAt         time.Time // zero when unknown
	ReceivedAt     time.Time
	RecentRequests int // same-source-IP hits inside the rate window, this one included
}

// Verdict is the classifier output attached to every recorded event.
type Verdict struct {
	Label      Label
	Confidence Confidence
	Rule       RuleKind // which evaluator decided, empty for the fallthrough
}

// Automated reports whether the event must be excluded from confirmed-human
// rate calculations. Privacy-proxy hits stay in raw totals.
func (v Verdict) Automated() bool {
	return v.Label == LabelBot || v.Label == LabelPrivacyProxy
}

// Classifier evaluates the ordered rule table. It is immutable after
// construction and safe for concurrent use from every request handler.
type Classifier struct {
	rules []Rule
}

// DefaultRules returns the compiled-in table, in evaluation order:
// gateway/crawler deny-list, send-to-open timing, privacy-proxy patterns,
// source-IP burst.
func DefaultRules(minHumanOpen time.Duration, rateBurstMax int) []Rule {
	return []Rule{
		{
			Kind:       RuleUserAgentMatch,
			Label:      LabelBot,
			Confidence: ConfidenceHigh,
			Patterns: []string{
				// mail-security gateways that fetch every link at delivery time
				"proofpoint", "mimecast", "barracuda", "urldefense",
				"symantec", "trendmicro", "forcepoint", "mailscanner",
				// generic crawlers and scripted fetchers
				"googlebot", "bingbot", "yandex", "baiduspider", "slurp",
				"crawler", "spider", "scanner", "preview",
				"python-requests", "python-urllib", "go-http-client",
				"curl/", "wget/", "headlesschrome", "phantomjs",
			},
		},
		{
			Kind:              RuleTiming,
			Label:             LabelBot,
			Confidence:        ConfidenceMedium,
			MinElapsedSeconds: int(minHumanOpen / time.Second),
		},
		{
			Kind:       RuleUserAgentMatch,
			Label:      LabelPrivacyProxy,
			Confidence: ConfidenceHigh,
			Patterns: []string{
				"googleimageproxy", "ggpht.com",
				"apple mail privacy", "icloud private relay",
				"yahoomailproxy", "fastmail",
			},
		},
		{
			Kind:        RuleRate,
			Label:       LabelBot,
			Confidence:  ConfidenceHigh,
			MaxRequests: rateBurstMax,
		},
	}
}

func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// LoadRules reads an external YAML rule table. The file format is the Rule
// struct, top-level list.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i, r := range rules {
		switch r.Kind {
		case RuleUserAgentMatch, RuleTiming, RuleRate:
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
	}
	return rules, nil
}

// Classify runs the rule table in order; the first matching rule wins. With
// no match the verdict is human, or unknown when the request carries no
// usable signals.
func (c *Classifier) Classify(rc RequestContext) Verdict {
	ua := strings.ToLower(rc.UserAgent)

	for _, rule := range c.rules {
		switch rule.Kind {
		case RuleUserAgentMatch:
			for _, p := range rule.Patterns {
				if p != "" && strings.Contains(ua, strings.ToLower(p)) {
					return Verdict{Label: rule.Label, Confidence: rule.Confidence, Rule: rule.Kind}
				}
			}
		case RuleTiming:
			if rc.SentAt.IsZero() || rule.MinElapsedSeconds <= 0 {
				continue
			}
			elapsed := rc.ReceivedAt.Sub(rc.SentAt)
			if elapsed >= 0 && elapsed < time.Duration(rule.MinElapsedSeconds)*time.Second {
				return Verdict{Label: rule.Label, Confidence: rule.Confidence, Rule: rule.Kind}
			}
		case RuleRate:
			if rule.MaxRequests > 0 && rc.RecentRequests > rule.MaxRequests {
				return Verdict{Label: rule.Label, Confidence: rule.Confidence, Rule: rule.Kind}
			}
		}
	}

	if rc.UserAgent == "" {
		return Verdict{Label: LabelUnknown, Confidence: ConfidenceDefault}
	}
	return Verdict{Label: LabelHuman, Confidence: ConfidenceDefault}
}
