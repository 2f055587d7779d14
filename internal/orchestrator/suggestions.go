package orchestrator

import "strings"

// SuggestionConfig maps caller context tags (the page or feature the user
// is on) to follow-up prompts
type SuggestionConfig struct {
	Rules map[string][]string `yaml:"rules"`
	// Default is used when no tag matches
	Default []string `yaml:"default"`
	// Max caps the number of suggestions returned
	Max int `yaml:"max"`
}

var defaultSuggestionRules = map[string][]string{
	"dashboard": {
		"Summarize my recent activity",
		"What changed since last week?",
	},
	"billing": {
		"Explain my latest invoice",
		"How can I reduce my costs?",
	},
	"settings": {
		"How do I change my notification preferences?",
		"How do I connect another account?",
	},
	"reports": {
		"Build a report for this month",
		"Compare this period with the previous one",
	},
	"onboarding": {
		"What should I set up first?",
		"Show me a quick tour",
	},
}

var defaultSuggestions = []string{
	"What else can you help me with?",
}

// Suggester is a static tag to suggestion lookup
type Suggester struct {
	rules    map[string][]string
	fallback []string
	max      int
}

// NewSuggester builds a suggester. Configured rules extend and override the
// built-in table.
func NewSuggester(cfg SuggestionConfig) *Suggester {
	rules := make(map[string][]string, len(defaultSuggestionRules)+len(cfg.Rules))
	for tag, s := range defaultSuggestionRules {
		rules[tag] = s
	}
	for tag, s := range cfg.Rules {
		rules[normalizeTag(tag)] = s
	}

	fallback := cfg.Default
	if fallback == nil {
		fallback = defaultSuggestions
	}
	max := cfg.Max
	if max <= 0 {
		max = 3
	}
	return &Suggester{rules: rules, fallback: fallback, max: max}
}

// Suggest returns suggestions for tags in tag order without duplicates
func (s *Suggester) Suggest(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, tag := range tags {
		for _, sug := range s.rules[normalizeTag(tag)] {
			if seen[sug] {
				continue
			}
			seen[sug] = true
			out = append(out, sug)
			if len(out) == s.max {
				return out
			}
		}
	}
	if len(out) == 0 {
		for _, sug := range s.fallback {
			if len(out) == s.max {
				break
			}
			out = append(out, sug)
		}
	}
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
