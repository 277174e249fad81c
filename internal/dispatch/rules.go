// Package dispatch classifies inbound messages and runs the matching
// handling path.
package dispatch

import (
	"net/url"
	"strings"
	"unicode"
)

// RuleKind names a handling path.
type RuleKind string

const (
	RuleNone   RuleKind = "none"
	RuleURL    RuleKind = "url"
	RulePrefix RuleKind = "prefix"
)

// TriggerRule is one entry of the ordered rule list. The set of rules is
// closed: URLRule and PrefixRule.
type TriggerRule interface {
	Kind() RuleKind
	Match(text string) bool
	sealed()
}

// URLRule matches text that is a single well-formed absolute URI.
type URLRule struct{}

func (URLRule) Kind() RuleKind { return RuleURL }
func (URLRule) sealed()        {}

func (URLRule) Match(text string) bool {
	_, ok := ParseURI(text)
	return ok
}

// PrefixRule matches text starting with the literal Prefix.
type PrefixRule struct {
	Prefix string
}

func (PrefixRule) Kind() RuleKind { return RulePrefix }
func (PrefixRule) sealed()        {}

func (r PrefixRule) Match(text string) bool {
	return r.Prefix != "" && strings.HasPrefix(text, r.Prefix)
}

// DefaultRules is the URL rule followed by the command prefix rule.
func DefaultRules(prefix string) []TriggerRule {
	return []TriggerRule{URLRule{}, PrefixRule{Prefix: prefix}}
}

// Classify returns the first rule matching text, or nil and RuleNone.
func Classify(rules []TriggerRule, text string) (TriggerRule, RuleKind) {
	for _, r := range rules {
		if r.Match(text) {
			return r, r.Kind()
		}
	}
	return nil, RuleNone
}

// ParseURI accepts text that, once trimmed, has no interior whitespace and
// parses as a URL with both a scheme and an authority or opaque part.
func ParseURI(text string) (*url.URL, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.IndexFunc(text, unicode.IsSpace) >= 0 {
		return nil, false
	}
	u, err := url.Parse(text)
	if err != nil || u.Scheme == "" {
		return nil, false
	}
	if u.Host == "" && u.Opaque == "" {
		return nil, false
	}
	return u, true
}

// CommandContent drops the words making up prefix, at least one, and joins
// the rest with single spaces. The last prefix word is dropped whole, so
// "privateer hi" under prefix "private" yields "hi".
func CommandContent(text, prefix string) string {
	skip := max(len(strings.Fields(prefix)), 1)
	fields := strings.Fields(text)
	if len(fields) <= skip {
		return ""
	}
	return strings.Join(fields[skip:], " ")
}
