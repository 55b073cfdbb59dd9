package registry

import (
	"regexp"
	"strings"

	"github.com/fluxorio/conductor/pkg/bus"
)

// Predicate optionally gates a routing rule on the query text and shared
// context.
type Predicate func(query string, sc *bus.SharedContext) bool

// Rule maps a query pattern to a target agent. Pattern is a literal
// substring unless IsRegex is set. Rules are evaluated in descending
// priority order; ties preserve insertion order.
type Rule struct {
	Pattern   string
	IsRegex   bool
	Target    string
	Priority  int
	Predicate Predicate

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if !r.IsRegex {
		return nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return err
	}
	r.re = re
	return nil
}

func (r *Rule) matches(query string) bool {
	if r.re != nil {
		return r.re.MatchString(query)
	}
	return strings.Contains(strings.ToLower(query), strings.ToLower(r.Pattern))
}

// Rule priorities for automatically derived rules. Curated rules for
// well-known domains outrank domain labels, which outrank keyword hints.
const (
	curatedRulePriority = 100
	domainRulePriority  = 50
	keywordRulePriority = 25
)

// wellKnownDomains carries curated regex patterns for domains the routing
// layer understands specially. Registering an agent for one of these
// domains installs the patterns at curatedRulePriority.
var wellKnownDomains = map[string][]string{
	"sewadar":    {`(?i)\bsewadars?\b`, `(?i)\bbadge\b`},
	"attendance": {`(?i)\battendance\b`, `(?i)\b(?:present|absent)\b`},
	"department": {`(?i)\bdepartments?\b`},
	"schedule":   {`(?i)\b(?:schedules?|roster|shift)\b`},
}

// deriveRules builds the automatic rule set for a registration: curated
// patterns for well-known domains, one literal rule for the domain label
// and one per keyword hint.
func deriveRules(agentID, domain string, keywords []string) []*Rule {
	var rules []*Rule
	for _, pat := range wellKnownDomains[strings.ToLower(domain)] {
		rules = append(rules, &Rule{Pattern: pat, IsRegex: true, Target: agentID, Priority: curatedRulePriority})
	}
	if domain != "" {
		rules = append(rules, &Rule{Pattern: domain, Target: agentID, Priority: domainRulePriority})
	}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		rules = append(rules, &Rule{Pattern: kw, Target: agentID, Priority: keywordRulePriority})
	}
	return rules
}
