// Package moderation screens chat message content before it is stored and
// delivered. A Filter blocks listed words and phrases (including common
// character substitutions) and a handful of spam patterns.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.
const (
	ReasonKeyword      = "blocked_keyword"
	ReasonSpam         = "spam_pattern"
	ReasonPersonalInfo = "personal_info"
)

// FilterResult is the outcome of a content check; Term names the matched
// entry.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words        map[string]struct{}
	phrases      [][]string
	allowedHosts map[string]struct{}
}

// Option customizes a Filter.
type Option func(*Filter)

// WithAllowedHosts lets links to the given hosts and their subdomains
// through, e.g. the school's learning platform.
func WithAllowedHosts(hosts ...string) Option {
	return func(f *Filter) {
		for _, h := range hosts {
			if h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www."); h != "" {
				f.allowedHosts[h] = struct{}{}
			}
		}
	}
}

// defaultBlocklist targets harassment, sexual solicitation and scams in a
// classroom setting.
var defaultBlocklist = []string{
	// insults
	"idiot", "moron", "loser", "retard", "bitch", "bastard", "slut", "whore",
	"asshole", "dickhead", "fuck", "fucker", "shit",
	// harassment
	"kill yourself", "kys", "go die", "nobody likes you", "you should die",
	// sexual solicitation
	"send nudes", "send pics", "child porn",
	// threats and scams
	"bomb threat", "shoot up the school", "free bitcoin", "crypto giveaway",
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// NewFilter returns a filter loaded with the default blocklist.
func NewFilter(opts ...Option) *Filter {
	return NewFilterWithTerms(defaultBlocklist, opts...)
}

// NewFilterWithTerms builds a filter from terms. Single words are matched as
// whole tokens and multi-word terms as consecutive tokens; blank terms are
// ignored.
func NewFilterWithTerms(terms []string, opts ...Option) *Filter {
	f := &Filter{
		words:        make(map[string]struct{}),
		allowedHosts: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keyword matches take priority over pattern checks.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	plain := tokenizePlain(text)
	if term, ok := f.match(plain); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.match(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return f.checkPatterns(text)
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSequence(tokens, seq []string) bool {
	if len(seq) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j, s := range seq {
			if tokens[i+j] != s {
				continue outer
			}
		}
		return true
	}
	return false
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters
// inside tokens, and trims surrounding punctuation.
func tokenizeLeet(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,?;:"'()[]{}`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalizeLeet(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		if sub, ok := leetMap[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return b.String()
}
