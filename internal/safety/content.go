// Package safety holds the pure validation rules every request and chat
// message passes through before it is persisted. Nothing in here touches
// the database; callers are responsible for logging blocked attempts.
package safety

import (
	"regexp"
	"strings"
)

// ContentResult is the outcome of screening a free-text field. All three
// matched-term lists are returned so blocked attempts can be logged with
// the exact terms that tripped the screen.
type ContentResult struct {
	IsValid            bool     `json:"isValid"`
	Reason             string   `json:"reason,omitempty"`
	MatchedKeywords    []string `json:"matchedKeywords"`
	MatchedPatterns    []string `json:"matchedPatterns"`
	SuspiciousPhrases  []string `json:"suspiciousPhrases"`
}

// restrictedKeywords covers categories the platform will not carry:
// tobacco, alcohol, pharmaceuticals, currency and valuables, perishables,
// weapons, flammables, and vague or evasive descriptions.
var restrictedKeywords = []string{
	// tobacco
	"cigarette", "cigar", "tobacco", "vape", "e-cigarette", "shisha",
	// alcohol
	"alcohol", "beer", "wine", "whisky", "whiskey", "vodka", "soju", "liquor",
	// pharmaceuticals
	"medicine", "medication", "pills", "prescription", "drug", "syringe",
	// currency / valuables
	"cash", "money", "currency", "gold bar", "jewellery", "jewelry", "banknote",
	// perishables
	"frozen", "refrigerated", "raw meat", "raw fish", "seafood", "durian",
	// weapons
	"knife", "weapon", "gun", "firearm", "ammunition", "taser", "pepper spray",
	// flammables
	"lighter", "fireworks", "petrol", "gasoline", "butane", "flammable", "aerosol",
	// vague / evasive
	"secret", "mystery item", "don't ask", "unknown item", "just a package",
}

// compiled patterns catch partial and obfuscated forms the keyword list
// misses (spacing, leetspeak, plurals).
var restrictedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)c[i1]g[a4]r?[e3]tt?[e3]?s?`),
	regexp.MustCompile(`(?i)v[a4]p[e3]s?|e[-\s]?juice`),
	regexp.MustCompile(`(?i)alc[o0]h[o0]l|b[e3][e3]r|w[i1]ne`),
	regexp.MustCompile(`(?i)\bmed[si]?\b|pharma`),
	regexp.MustCompile(`(?i)\$\d+|\d+\s*(dollars|sgd|usd)\b`),
	regexp.MustCompile(`(?i)kn[i1]ve?s?|bl[a4]des?`),
	regexp.MustCompile(`(?i)f[i1]re\s?w[o0]rks?|spark lers?`),
}

// suspiciousPhrases imply off-platform or covert dealing.
var suspiciousPhrases = []string{
	"cash only",
	"don't tell",
	"dont tell",
	"no questions",
	"off platform",
	"off the app",
	"keep it quiet",
	"between us",
	"delete this chat",
	"pay outside",
	"direct transfer only",
}

// ValidateContent screens free text against the restricted keyword list,
// the compiled pattern set and the suspicious phrase list. Any non-empty
// match set makes the text invalid. It is pure and is reused for both
// item descriptions and chat messages.
func ValidateContent(text string) ContentResult {
	lowered := strings.ToLower(text)

	result := ContentResult{
		MatchedKeywords:   []string{},
		MatchedPatterns:   []string{},
		SuspiciousPhrases: []string{},
	}

	for _, kw := range restrictedKeywords {
		if strings.Contains(lowered, kw) {
			result.MatchedKeywords = append(result.MatchedKeywords, kw)
		}
	}

	for _, re := range restrictedPatterns {
		if m := re.FindString(text); m != "" {
			result.MatchedPatterns = append(result.MatchedPatterns, m)
		}
	}

	for _, phrase := range suspiciousPhrases {
		if strings.Contains(lowered, phrase) {
			result.SuspiciousPhrases = append(result.SuspiciousPhrases, phrase)
		}
	}

	result.IsValid = len(result.MatchedKeywords) == 0 &&
		len(result.MatchedPatterns) == 0 &&
		len(result.SuspiciousPhrases) == 0

	if !result.IsValid {
		var reasons []string
		if len(result.MatchedKeywords) > 0 {
			reasons = append(reasons, "restricted item: "+strings.Join(result.MatchedKeywords, ", "))
		}
		if len(result.MatchedPatterns) > 0 {
			reasons = append(reasons, "restricted pattern: "+strings.Join(result.MatchedPatterns, ", "))
		}
		if len(result.SuspiciousPhrases) > 0 {
			reasons = append(reasons, "suspicious phrase: "+strings.Join(result.SuspiciousPhrases, ", "))
		}
		result.Reason = strings.Join(reasons, "; ")
	}

	return result
}
