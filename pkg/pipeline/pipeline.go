// Package pipeline holds the kernel's static data model: the fixed set of
// agents, the fixed phase order, their prerequisites, and the deliverable
// types each agent must produce before the kernel accepts it as complete
// (spec.md §3). None of this is configurable at runtime — "not a general
// workflow engine: the phase graph is fixed" (spec.md §1).
package pipeline

// Kind resolves the "description-driven nudges" open question (SPEC_FULL.md
// §D.1): nudges are selected by an agent's Kind, not by a free-text field.
type Kind string

const (
	KindRecon       Kind = "recon"
	KindAPIFuzz     Kind = "api_fuzz"
	KindAnalysis    Kind = "analysis"
	KindExploit     Kind = "exploitation"
	KindReporting   Kind = "reporting"
	KindReverseEng  Kind = "reverse_engineering"
	KindOSV         Kind = "osv"
)

// DeliverableType tags a required artifact an agent must write to
// workspace/deliverables/ before the kernel accepts the agent as complete.
type DeliverableType string

// Agent is the static descriptor of one pipeline stage (spec.md §3).
// The set of Agents is fixed at compile time; prerequisites form a DAG,
// linearised within a phase by Order.
type Agent struct {
	Name                 string
	DisplayName          string
	Phase                string
	Kind                 Kind
	Order                int
	Prerequisites        []string
	RequiredDeliverables []DeliverableType
}

// Phase is an ordered group of agent names. FanOut phases run their
// eligible agents under a bounded-concurrency semaphore; sequential phases
// run strictly in Agents order (spec.md §3, §4.7).
type Phase struct {
	Name   string
	Agents []string
	FanOut bool
}

// Deliverable types used by required-deliverable enforcement and the
// coercion table below.
const (
	DeliverableReconSummary    DeliverableType = "RECON_SUMMARY"
	DeliverableAPIFuzzQueue    DeliverableType = "API_FUZZ_QUEUE"
	DeliverableSQLIAnalysis    DeliverableType = "SQLI_ANALYSIS"
	DeliverableSQLIQueue       DeliverableType = "SQLI_QUEUE"
	DeliverableXSSAnalysis     DeliverableType = "XSS_ANALYSIS"
	DeliverableXSSQueue        DeliverableType = "XSS_QUEUE"
	DeliverableSSRFAnalysis    DeliverableType = "SSRF_ANALYSIS"
	DeliverableSSRFQueue       DeliverableType = "SSRF_QUEUE"
	DeliverableAuthZAnalysis   DeliverableType = "AUTHZ_ANALYSIS"
	DeliverableAuthZQueue      DeliverableType = "AUTHZ_QUEUE"
	DeliverableInjectAnalysis  DeliverableType = "INJECTION_ANALYSIS"
	DeliverableInjectQueue     DeliverableType = "INJECTION_QUEUE"
	DeliverableEvidence        DeliverableType = "EVIDENCE"
	DeliverableFinalReport     DeliverableType = "FINAL_REPORT"
	DeliverableREFindings      DeliverableType = "RE_FINDINGS"
	DeliverableOSVFindings     DeliverableType = "OSV_FINDINGS"
)

// MainAgents is the fixed agent set for the primary web-application
// assessment pipeline: pre-recon -> recon -> api-fuzzing -> vulnerability
// analysis (fan-out) -> exploitation (fan-out) -> reporting.
var MainAgents = []Agent{
	{Name: "pre-recon", DisplayName: "Pre-Reconnaissance", Phase: "pre-reconnaissance", Kind: KindRecon, Order: 1},
	{Name: "login-check", DisplayName: "Login Verification", Phase: "pre-reconnaissance", Kind: KindRecon, Order: 2, Prerequisites: []string{"pre-recon"}},
	{Name: "recon", DisplayName: "Reconnaissance", Phase: "reconnaissance", Kind: KindRecon, Order: 3, Prerequisites: []string{"login-check"},
		RequiredDeliverables: []DeliverableType{DeliverableReconSummary}},
	{Name: "recon-verify", DisplayName: "Reconnaissance Verification", Phase: "reconnaissance", Kind: KindRecon, Order: 4, Prerequisites: []string{"recon"}},
	{Name: "api-fuzzer", DisplayName: "API Fuzzing", Phase: "api-fuzzing", Kind: KindAPIFuzz, Order: 5, Prerequisites: []string{"recon-verify"},
		RequiredDeliverables: []DeliverableType{DeliverableAPIFuzzQueue}},

	{Name: "sqli-vuln", DisplayName: "SQL Injection Analysis", Phase: "vulnerability-analysis", Kind: KindAnalysis, Order: 6, Prerequisites: []string{"api-fuzzer"},
		RequiredDeliverables: []DeliverableType{DeliverableSQLIAnalysis, DeliverableSQLIQueue}},
	{Name: "xss-vuln", DisplayName: "XSS Analysis", Phase: "vulnerability-analysis", Kind: KindAnalysis, Order: 7, Prerequisites: []string{"api-fuzzer"},
		RequiredDeliverables: []DeliverableType{DeliverableXSSAnalysis, DeliverableXSSQueue}},
	{Name: "ssrf-vuln", DisplayName: "SSRF Analysis", Phase: "vulnerability-analysis", Kind: KindAnalysis, Order: 8, Prerequisites: []string{"api-fuzzer"},
		RequiredDeliverables: []DeliverableType{DeliverableSSRFAnalysis, DeliverableSSRFQueue}},
	{Name: "authz-vuln", DisplayName: "Authorization Analysis", Phase: "vulnerability-analysis", Kind: KindAnalysis, Order: 9, Prerequisites: []string{"api-fuzzer"},
		RequiredDeliverables: []DeliverableType{DeliverableAuthZAnalysis, DeliverableAuthZQueue}},
	{Name: "codei-vuln", DisplayName: "Code/Command Injection Analysis", Phase: "vulnerability-analysis", Kind: KindAnalysis, Order: 10, Prerequisites: []string{"api-fuzzer"},
		RequiredDeliverables: []DeliverableType{DeliverableInjectAnalysis, DeliverableInjectQueue}},

	{Name: "sqli-exploit", DisplayName: "SQL Injection Exploitation", Phase: "exploitation", Kind: KindExploit, Order: 11, Prerequisites: []string{"sqli-vuln"},
		RequiredDeliverables: []DeliverableType{DeliverableEvidence}},
	{Name: "xss-exploit", DisplayName: "XSS Exploitation", Phase: "exploitation", Kind: KindExploit, Order: 12, Prerequisites: []string{"xss-vuln"},
		RequiredDeliverables: []DeliverableType{DeliverableEvidence}},
	{Name: "ssrf-exploit", DisplayName: "SSRF Exploitation", Phase: "exploitation", Kind: KindExploit, Order: 13, Prerequisites: []string{"ssrf-vuln"},
		RequiredDeliverables: []DeliverableType{DeliverableEvidence}},
	{Name: "authz-exploit", DisplayName: "Authorization Exploitation", Phase: "exploitation", Kind: KindExploit, Order: 14, Prerequisites: []string{"authz-vuln"},
		RequiredDeliverables: []DeliverableType{DeliverableEvidence}},
	{Name: "codei-exploit", DisplayName: "Code/Command Injection Exploitation", Phase: "exploitation", Kind: KindExploit, Order: 15, Prerequisites: []string{"codei-vuln"},
		RequiredDeliverables: []DeliverableType{DeliverableEvidence}},

	{Name: "reporting", DisplayName: "Final Report", Phase: "reporting", Kind: KindReporting, Order: 16,
		RequiredDeliverables: []DeliverableType{DeliverableFinalReport}},
}

// MainPhases is the fixed phase order for the primary pipeline (spec.md §3).
var MainPhases = []Phase{
	{Name: "pre-reconnaissance", Agents: []string{"pre-recon", "login-check"}},
	{Name: "reconnaissance", Agents: []string{"recon", "recon-verify"}},
	{Name: "api-fuzzing", Agents: []string{"api-fuzzer"}},
	{Name: "vulnerability-analysis", Agents: []string{"sqli-vuln", "xss-vuln", "ssrf-vuln", "authz-vuln", "codei-vuln"}, FanOut: true},
	{Name: "exploitation", Agents: []string{"sqli-exploit", "xss-exploit", "ssrf-exploit", "authz-exploit", "codei-exploit"}, FanOut: true},
	{Name: "reporting", Agents: []string{"reporting"}},
}

// REAgents / REPhases is the standalone reverse-engineering pipeline over a
// binary path, selected at the CLI level (spec.md §3, §6).
var REAgents = []Agent{
	{Name: "re-triage", DisplayName: "Binary Triage", Phase: "re-analysis", Kind: KindReverseEng, Order: 1},
	{Name: "re-unpack", DisplayName: "Unpacking / Deobfuscation", Phase: "re-analysis", Kind: KindReverseEng, Order: 2, Prerequisites: []string{"re-triage"}},
	{Name: "re-disassemble", DisplayName: "Disassembly & Control Flow", Phase: "re-analysis", Kind: KindReverseEng, Order: 3, Prerequisites: []string{"re-unpack"}},
	{Name: "re-report", DisplayName: "RE Findings Report", Phase: "re-reporting", Kind: KindReverseEng, Order: 4, Prerequisites: []string{"re-disassemble"},
		RequiredDeliverables: []DeliverableType{DeliverableREFindings}},
}

var REPhases = []Phase{
	{Name: "re-analysis", Agents: []string{"re-triage", "re-unpack", "re-disassemble"}},
	{Name: "re-reporting", Agents: []string{"re-report"}},
}

// OSVAgents / OSVPhases is the standalone open-source-vulnerability pipeline
// over a repository, selected at the CLI level.
var OSVAgents = []Agent{
	{Name: "osv-scan", DisplayName: "Dependency Scan", Phase: "osv-scan", Kind: KindOSV, Order: 1},
	{Name: "osv-triage", DisplayName: "Advisory Triage", Phase: "osv-scan", Kind: KindOSV, Order: 2, Prerequisites: []string{"osv-scan"}},
	{Name: "osv-report", DisplayName: "OSV Findings Report", Phase: "osv-reporting", Kind: KindOSV, Order: 3, Prerequisites: []string{"osv-triage"},
		RequiredDeliverables: []DeliverableType{DeliverableOSVFindings}},
}

var OSVPhases = []Phase{
	{Name: "osv-scan", Agents: []string{"osv-scan", "osv-triage"}},
	{Name: "osv-reporting", Agents: []string{"osv-report"}},
}

// AgentByName looks up an Agent descriptor by name across the given set.
func AgentByName(agents []Agent, name string) (Agent, bool) {
	for _, a := range agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// PhaseByName looks up a Phase by name.
func PhaseByName(phases []Phase, name string) (Phase, bool) {
	for _, p := range phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// Names returns the agent names in a set, preserving order.
func Names(agents []Agent) []string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names
}
