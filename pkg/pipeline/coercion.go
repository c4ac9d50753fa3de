package pipeline

import "strings"

// coercionRule maps an agent-name substring to the deliverable type the
// kernel coerces save_deliverable.type into when that agent calls the
// tool, so an agent can never mis-file its artifact under the wrong type
// (spec.md §4.5, item 8).
//
// The substring checks overlap by design ("injection" is a substring of
// nothing here, but "sqli", "codei", "ssti", and "pathi" all legitimately
// describe different injection sub-classes that an agent's name might
// also loosely describe as "...-injection-..."). Order is significant:
// the first matching rule wins, so the more specific sub-classes must be
// listed before the generic "injection" fallback (SPEC_FULL.md §D.2).
var analysisCoercionRules = []struct {
	substr string
	typ    DeliverableType
}{
	{"sqli", DeliverableSQLIAnalysis},
	{"codei", DeliverableInjectAnalysis},
	{"ssti", DeliverableInjectAnalysis},
	{"pathi", DeliverableInjectAnalysis},
	{"xss", DeliverableXSSAnalysis},
	{"ssrf", DeliverableSSRFAnalysis},
	{"authz", DeliverableAuthZAnalysis},
	{"injection", DeliverableInjectAnalysis},
}

var queueCoercionRules = []struct {
	substr string
	typ    DeliverableType
}{
	{"sqli", DeliverableSQLIQueue},
	{"codei", DeliverableInjectQueue},
	{"ssti", DeliverableInjectQueue},
	{"pathi", DeliverableInjectQueue},
	{"xss", DeliverableXSSQueue},
	{"ssrf", DeliverableSSRFQueue},
	{"authz", DeliverableAuthZQueue},
	{"injection", DeliverableInjectQueue},
}

// CoerceDeliverableType returns the deliverable type save_deliverable.type
// should be forced to for the given agent and the claimed category
// ("analysis" or "queue"). If the agent's RequiredDeliverables includes
// exactly one type of that category it wins outright (unambiguous case);
// otherwise the agent name is matched against the ordered substring rules.
// A required type is of the "queue" category when its name contains
// "QUEUE", otherwise of the "analysis" category. The empty string means
// "no coercion": neither the required types nor the rules decide.
func CoerceDeliverableType(agent Agent, category string) DeliverableType {
	var matching []DeliverableType
	for _, req := range agent.RequiredDeliverables {
		isQueue := strings.Contains(strings.ToUpper(string(req)), "QUEUE")
		if isQueue == (category == "queue") {
			matching = append(matching, req)
		}
	}
	if len(matching) == 1 {
		return matching[0]
	}

	rules := analysisCoercionRules
	if category == "queue" {
		rules = queueCoercionRules
	}

	name := strings.ToLower(agent.Name)
	for _, rule := range rules {
		if strings.Contains(name, rule.substr) {
			return rule.typ
		}
	}
	return ""
}
