package moderation

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var (
	// linkPattern finds scheme URLs, www. hosts and bare domains followed by
	// a path. A bare domain needs the "/" so "v2.0" or "3.14" do not match.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|edu)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567 and
	// similar, bounded by whitespace so scores and years do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
)

const (
	charFloodThreshold = 5
	wordFloodThreshold = 3
)

type patternCheck struct {
	name   string
	reason string
	match  func(f *Filter, text string) bool
}

// patternChecks run in order; the first match wins.
var patternChecks = []patternCheck{
	{name: "link", reason: ReasonSpam, match: (*Filter).hasForeignLink},
	{name: "email", reason: ReasonPersonalInfo, match: func(_ *Filter, text string) bool {
		return emailPattern.MatchString(text)
	}},
	{name: "phone", reason: ReasonPersonalInfo, match: func(_ *Filter, text string) bool {
		return phonePattern.MatchString(text)
	}},
	{name: "char_flood", reason: ReasonSpam, match: func(_ *Filter, text string) bool {
		return hasCharFlood(text)
	}},
	{name: "word_flood", reason: ReasonSpam, match: func(_ *Filter, text string) bool {
		return hasWordFlood(text)
	}},
}

func (f *Filter) checkPatterns(text string) FilterResult {
	for _, pc := range patternChecks {
		if pc.match(f, text) {
			return FilterResult{Blocked: true, Reason: pc.reason, Term: pc.name}
		}
	}
	return FilterResult{}
}

// hasForeignLink reports whether text links to a host outside the allowlist.
func (f *Filter) hasForeignLink(text string) bool {
	for _, link := range linkPattern.FindAllString(text, -1) {
		if !f.allowedLink(link) {
			return true
		}
	}
	return false
}

func (f *Filter) allowedLink(link string) bool {
	if len(f.allowedHosts) == 0 {
		return false
	}
	if !strings.Contains(link, "://") {
		link = "http://" + link
	}
	u, err := url.Parse(strings.TrimRight(link, `.,;:!?)"'`))
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for host != "" {
		if _, ok := f.allowedHosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

// hasCharFlood scans for a run of identical characters; RE2 has no
// backreferences.
func hasCharFlood(text string) bool {
	run := 1
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 1, r
			continue
		}
		if run++; run >= charFloodThreshold {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same word repeated consecutively, ignoring case.
func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodThreshold {
		return false
	}
	run := 1
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w != prev {
			run, prev = 1, w
			continue
		}
		if run++; run >= wordFloodThreshold {
			return true
		}
	}
	return false
}
