package switchboard

import (
	"strings"

	"switchboard/internal/butler"
	"switchboard/internal/domain"
)

// moduleKeywords maps a module name to the substrings whose presence in an
// ingested message's normalized text suggest that module. Order matters:
// the first matching module wins.
var moduleKeywords = []struct {
	module   string
	keywords []string
}{
	{"finance", []string{"invoice", "budget", "expense", "payment", "balance", "spend"}},
	{"health", []string{"workout", "symptom", "appointment with dr", "medication", "sleep", "weight"}},
	{"relationships", []string{"birthday", "anniversary", "gift for", "catch up with"}},
	{"education", []string{"quiz", "review", "study", "flashcard", "learn", "mastery"}},
	{"email", []string{"email", "inbox", "unsubscribe", "reply to"}},
	{"calendar", []string{"schedule", "meeting", "calendar", "reschedule", "event at"}},
}

// Classifier picks which registered butler should handle an ingested
// message. The rule-based default here is intentionally simple: route on
// keyword match against eligible butlers' advertised modules, falling back
// to the "general" butler when nothing matches.
type Classifier struct {
	registry *butler.Registry
}

// NewClassifier constructs a Classifier over the given butler registry.
func NewClassifier(registry *butler.Registry) *Classifier {
	return &Classifier{registry: registry}
}

// Classify returns the name of the butler that should receive the given
// normalized message text.
func (c *Classifier) Classify(normalizedText string) string {
	lower := strings.ToLower(normalizedText)
	for _, mk := range moduleKeywords {
		for _, kw := range mk.keywords {
			if strings.Contains(lower, kw) {
				if eligible := c.registry.ListEligible(mk.module); len(eligible) > 0 {
					return eligible[0].Name
				}
			}
		}
	}
	if eligible := c.registry.ListEligible("general"); len(eligible) > 0 {
		return eligible[0].Name
	}
	return "general"
}

// ResolveTarget validates that butler is registered and eligible, returning
// domain.ErrButlerQuarantined/ErrButlerStale/ErrButlerNotFound as appropriate.
func (c *Classifier) ResolveTarget(name string) (*domain.ButlerRegistration, error) {
	b, err := c.registry.Get(name)
	if err != nil {
		return nil, domain.NewSubSystemError("switchboard", "Classifier.ResolveTarget", domain.ErrButlerNotFound, name)
	}
	switch b.EligibilityState {
	case domain.EligibilityQuarantined:
		return nil, domain.NewSubSystemError("switchboard", "Classifier.ResolveTarget", domain.ErrButlerQuarantined, name)
	case domain.EligibilityStale:
		return nil, domain.NewSubSystemError("switchboard", "Classifier.ResolveTarget", domain.ErrButlerStale, name)
	}
	return b, nil
}
