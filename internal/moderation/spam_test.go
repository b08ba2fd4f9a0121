package moderation

import "testing"

type patternCase struct {
	name    string
	input   string
	blocked bool
	reason  string
	term    string
}

func runPatternCases(t *testing.T, f *Filter, tests []patternCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Fatalf("Check(%q).Blocked = %v, want %v (reason=%q, term=%q)",
					tt.input, result.Blocked, tt.blocked, result.Reason, result.Term)
			}
			if !tt.blocked {
				return
			}
			if result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if result.Reason != tt.reason {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, tt.reason)
			}
		})
	}
}

func TestPatterns_Links(t *testing.T) {
	runPatternCases(t, NewFilterWithTerms(nil), []patternCase{
		{"http url", "check out http://evil.com", true, ReasonSpam, "link"},
		{"https url", "visit https://spam.xyz/click", true, ReasonSpam, "link"},
		{"www url", "go to www.phishing.net", true, ReasonSpam, "link"},
		{"bare domain with path", "visit evil.com/free", true, ReasonSpam, "link"},
		{"bare domain .ru path", "go to site.ru/malware", true, ReasonSpam, "link"},
		{"bare edu path", "see school.edu/quiz", true, ReasonSpam, "link"},
		{"version string", "upgrade to v2.0", false, "", ""},
	})
}

func TestPatterns_AllowedHosts(t *testing.T) {
	f := NewFilterWithTerms(nil, WithAllowedHosts("classroom.example.org", "www.School.edu"))

	runPatternCases(t, f, []patternCase{
		{"allowed host", "homework: https://classroom.example.org/a/12", false, "", ""},
		{"allowed subdomain", "see https://maths.school.edu/week3.", false, "", ""},
		{"allowed www", "www.school.edu/calendar", false, "", ""},
		{"bare allowed domain", "school.edu/quiz", false, "", ""},
		{"lookalike suffix", "https://evilschool.edu/login", true, ReasonSpam, "link"},
		{"one foreign link among allowed", "https://school.edu/a and http://evil.com", true, ReasonSpam, "link"},
	})
}

func TestPatterns_PersonalInfo(t *testing.T) {
	runPatternCases(t, NewFilterWithTerms(nil), []patternCase{
		{"email", "mail me at jo.smith+class@example.com", true, ReasonPersonalInfo, "email"},
		{"intl dashed phone", "+1-555-123-4567", true, ReasonPersonalInfo, "phone"},
		{"parenthesized area code", "(555) 123-4567", true, ReasonPersonalInfo, "phone"},
		{"dotted phone", "555.123.4567", true, ReasonPersonalInfo, "phone"},
		{"phone in sentence", "call me at 555-123-4567 okay?", true, ReasonPersonalInfo, "phone"},
		{"at sign alone", "meet @ noon", false, "", ""},
	})
}

func TestPatterns_Flooding(t *testing.T) {
	runPatternCases(t, NewFilterWithTerms(nil), []patternCase{
		{"repeated letters", "hellooooooo", true, ReasonSpam, "char_flood"},
		{"repeated punctuation", "wow!!!!!", true, ReasonSpam, "char_flood"},
		{"exactly five", "aaaaa", true, ReasonSpam, "char_flood"},
		{"four is fine", "aaaa", false, "", ""},
		{"word x3", "buy buy buy", true, ReasonSpam, "word_flood"},
		{"word flood ignores case", "BUY buy Buy", true, ReasonSpam, "word_flood"},
		{"word x2 is fine", "yeah yeah whatever", false, "", ""},
	})
}

func TestPatterns_CleanMessages(t *testing.T) {
	f := NewFilterWithTerms(nil)
	for _, input := range []string{
		"",
		"   ",
		"I have 3 cats",
		"I got 42 out of 50",
		"see you in 2025",
		"pi is about 3.14",
		"it costs $5.99",
		"ok. sure. fine.",
		"wow!!! that's great!!",
		"hello\nworld",
		"page 12, exercise 4b",
	} {
		if result := f.Check(input); result.Blocked {
			t.Errorf("Check(%q) blocked (reason=%q, term=%q), want clean", input, result.Reason, result.Term)
		}
	}
}

func TestPatterns_KeywordTakesPriority(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	result := f.Check("badword http://evil.com")
	if !result.Blocked || result.Reason != ReasonKeyword {
		t.Errorf("Check = %+v, want keyword block", result)
	}

	result = f.Check("visit http://evil.com")
	if !result.Blocked || result.Reason != ReasonSpam || result.Term != "link" {
		t.Errorf("Check = %+v, want link block", result)
	}
}
