// Package intent scores the stated purpose of an access request. The
// analyzer is a pure function over the request text, resource, and role:
// identical inputs always produce identical output, and no external state
// is consulted. Scores feed the decision engine's justification-quality
// factor and the JIT elevation checks.
package intent

import (
	"sort"
	"strings"

	"github.com/citadelzt/citadel/principal"
)

// Signal weights. The four signals combine into a score in [0,100].
const (
	weightLength    = 0.2
	weightKeyword   = 0.4
	weightCoherence = 0.3
	weightRedFlag   = 0.1
)

// RedFlagCap bounds the overall score whenever any red flag is raised.
const RedFlagCap = 30.0

// Length and structure thresholds. Text below the minimums scores zero;
// the signal reaches 100 at both maximums.
const (
	minChars  = 20
	fullChars = 100
	minWords  = 5
	fullWords = 15
)

// Flag marks a property of the analyzed text.
type Flag string

const (
	// FlagSuspicious is set whenever any red flag is raised or suspicious
	// keywords dominate.
	FlagSuspicious Flag = "suspicious"
	// FlagUrgencyWithoutContext marks urgency wording with too little
	// surrounding explanation.
	FlagUrgencyWithoutContext Flag = "urgency_without_context"
	// FlagVague marks filler phrasing with no concrete purpose.
	FlagVague Flag = "vague_justification"
	// FlagCircumvention marks explicit statements of policy circumvention.
	FlagCircumvention Flag = "policy_circumvention"
)

// Keyword categories. The first four add to the keyword signal; matches
// in the suspicious category subtract.
const (
	CategoryAcademic       = "academic"
	CategoryResearch       = "research"
	CategoryAdministrative = "administrative"
	CategoryEmergency      = "emergency"
	CategorySuspicious     = "suspicious"
)

// keywords is the fixed category vocabulary. Matching is substring-based
// over the lowercased text, so multi-word phrases participate too.
var keywords = map[string][]string{
	CategoryAcademic: {
		"class", "course", "assignment", "homework", "lecture", "exam",
		"grading", "study group", "coursework", "thesis", "seminar",
	},
	CategoryResearch: {
		"research", "experiment", "dataset", "analysis", "laboratory",
		"publication", "grant", "hypothesis", "fieldwork", "simulation",
	},
	CategoryAdministrative: {
		"report", "budget", "enrollment", "records", "audit", "payroll",
		"scheduling", "maintenance", "registration", "compliance",
	},
	CategoryEmergency: {
		"emergency", "incident", "outage", "safety", "breach", "critical",
		"evacuation", "first aid",
	},
	CategorySuspicious: {
		"bypass", "backdoor", "disable logging", "without permission",
		"admin password", "everyone's", "all accounts", "delete evidence",
		"cover up",
	},
}

// perCategoryCredit is how much each matched positive category adds to
// the keyword signal. Four categories at full credit reach 100.
const perCategoryCredit = 25.0

// suspiciousPenalty is subtracted per suspicious keyword match, capped at
// the full signal.
const suspiciousPenalty = 50.0

// urgencyWords trigger the urgency-without-context flag when the text is
// too short to explain the urgency.
var urgencyWords = []string{"urgent", "asap", "immediately", "right now", "right away"}

// urgencyContextWords is the minimum word count for urgency wording to be
// considered explained.
const urgencyContextWords = 10

// vaguePhrases mark justifications with no concrete purpose.
var vaguePhrases = []string{
	"just want to", "just need to", "quickly check", "take a look",
	"real quick", "poke around",
}

// circumventionPhrases are explicit statements of policy circumvention.
var circumventionPhrases = []string{
	"bypass", "get around", "work around", "without approval",
	"skip the approval", "avoid the review", "circumvent",
}

// Analysis is the analyzer output.
type Analysis struct {
	// Score is the overall intent score in [0,100].
	Score float64 `json:"score"`

	// KeywordMatches maps each category to the keywords found, sorted.
	KeywordMatches map[string][]string `json:"keyword_matches"`

	// Flags is the sorted set of raised flags.
	Flags []Flag `json:"flags"`

	// Breakdown holds the unweighted per-signal scores, each in [0,100].
	Breakdown Breakdown `json:"breakdown"`
}

// Breakdown exposes the per-signal scores for decision logging.
type Breakdown struct {
	Length    float64 `json:"length"`
	Keyword   float64 `json:"keyword"`
	Coherence float64 `json:"coherence"`
	RedFlag   float64 `json:"red_flag"`
}

// HasFlag reports whether the analysis raised the given flag.
func (a *Analysis) HasFlag(flag Flag) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Analyzer scores intent text. The zero value is ready to use.
type Analyzer struct{}

// NewAnalyzer creates an intent analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze scores the intent text against the requested resource.
// The role parameter reserves room for role-specific vocabularies; the
// fixed vocabulary currently applies to all roles.
func (a *Analyzer) Analyze(text, resource string, role principal.Role) *Analysis {
	lowered := strings.ToLower(text)
	words := strings.Fields(lowered)

	matches := matchKeywords(lowered)
	flags := detectRedFlags(lowered, len(words))

	lengthScore := scoreLength(len(lowered), len(words))
	keywordScore := scoreKeywords(matches)
	coherenceScore := scoreCoherence(lowered, resource)

	redFlagScore := 100.0
	if len(flags) > 0 {
		redFlagScore = 0
	}

	score := weightLength*lengthScore +
		weightKeyword*keywordScore +
		weightCoherence*coherenceScore +
		weightRedFlag*redFlagScore

	if len(flags) > 0 && score > RedFlagCap {
		score = RedFlagCap
	}

	return &Analysis{
		Score:          score,
		KeywordMatches: matches,
		Flags:          flags,
		Breakdown: Breakdown{
			Length:    lengthScore,
			Keyword:   keywordScore,
			Coherence: coherenceScore,
			RedFlag:   redFlagScore,
		},
	}
}

// scoreLength scales with both character and word counts. Either count
// below its minimum zeroes the signal; the signal reaches 100 only when
// both reach their maximums.
func scoreLength(chars, words int) float64 {
	if chars < minChars || words < minWords {
		return 0
	}
	charScore := linearScale(float64(chars), minChars, fullChars)
	wordScore := linearScale(float64(words), minWords, fullWords)
	if charScore < wordScore {
		return charScore
	}
	return wordScore
}

func linearScale(v, lo, hi float64) float64 {
	if v >= hi {
		return 100
	}
	return (v - lo) / (hi - lo) * 100
}

// matchKeywords returns keywords found per category, sorted for
// deterministic output.
func matchKeywords(lowered string) map[string][]string {
	matches := make(map[string][]string)
	for category, words := range keywords {
		for _, word := range words {
			if strings.Contains(lowered, word) {
				matches[category] = append(matches[category], word)
			}
		}
		sort.Strings(matches[category])
	}
	return matches
}

// scoreKeywords credits each matched positive category and subtracts for
// suspicious matches, clamped to [0,100].
func scoreKeywords(matches map[string][]string) float64 {
	score := 0.0
	for _, category := range []string{CategoryAcademic, CategoryResearch, CategoryAdministrative, CategoryEmergency} {
		if len(matches[category]) > 0 {
			score += perCategoryCredit
		}
	}
	score -= suspiciousPenalty * float64(len(matches[CategorySuspicious]))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// scoreCoherence checks whether the text references the requested
// resource. Resource identifiers are tokenized on non-letter boundaries;
// any token of three or more characters found in the text counts as a
// reference.
func scoreCoherence(lowered, resource string) float64 {
	tokens := strings.FieldsFunc(strings.ToLower(resource), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, token := range tokens {
		if len(token) < 3 {
			continue
		}
		if strings.Contains(lowered, token) {
			return 100
		}
	}
	return 0
}

// detectRedFlags returns the sorted set of raised flags. Any specific
// flag also raises FlagSuspicious.
func detectRedFlags(lowered string, wordCount int) []Flag {
	set := make(map[Flag]bool)

	for _, phrase := range circumventionPhrases {
		if strings.Contains(lowered, phrase) {
			set[FlagCircumvention] = true
			break
		}
	}
	for _, phrase := range vaguePhrases {
		if strings.Contains(lowered, phrase) {
			set[FlagVague] = true
			break
		}
	}
	if wordCount < urgencyContextWords {
		for _, word := range urgencyWords {
			if strings.Contains(lowered, word) {
				set[FlagUrgencyWithoutContext] = true
				break
			}
		}
	}

	if len(set) == 0 {
		return nil
	}
	set[FlagSuspicious] = true

	flags := make([]Flag, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}
