package risk

import "strings"

// TermsVersion identifies the active term list. Bump it whenever the list
// below changes so triggered messages can be traced to the list that
// matched them.
const TermsVersion = "2025-03"

// High-risk terms and phrases. Case-insensitive substring match; the list
// is deliberately broad. A false positive costs a resource message, a
// false negative can cost a life, so over-triggering is the intended bias.
var terms = []string{
	"kill myself",
	"killing myself",
	"suicide",
	"suicidal",
	"end my life",
	"ending my life",
	"take my own life",
	"want to die",
	"wanna die",
	"better off dead",
	"no reason to live",
	"end it all",
	"hurt myself",
	"hurting myself",
	"harm myself",
	"self harm",
	"self-harm",
	"cut myself",
	"cutting myself",
	"overdose",
	"don't want to be here anymore",
	"can't go on",
}

type ScanResult struct {
	Triggered    bool
	MatchedTerms []string
}

// Scan classifies a message as risk-triggering. Pure function, no state.
func Scan(text string) ScanResult {
	lowered := strings.ToLower(text)

	var matched []string
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			matched = append(matched, term)
		}
	}

	return ScanResult{
		Triggered:    len(matched) > 0,
		MatchedTerms: matched,
	}
}
