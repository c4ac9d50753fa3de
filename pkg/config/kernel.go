package config

import (
	"os"
	"time"
)

// Kernel holds the environment-variable tuning described in SPEC_FULL.md §6.
// It is filled only by FromEnv; no cmd/redcell flag overrides a field.
type Kernel struct {
	// LLM endpoint.
	LLMBaseURL   string
	LLMModel     string
	LLMAPIKey    string
	Temperature  float64
	MaxTurns     int
	MaxPromptChars int

	// Pricing, USD per 1K tokens.
	PromptTokenPriceUSD     float64
	CompletionTokenPriceUSD float64

	// Per-agent max-turn overrides, agent name -> turns.
	AgentMaxTurns map[string]int

	// Skip flags for external scanners.
	SkipNmap         bool
	SkipSubfinder    bool
	SkipSemgrep      bool
	SkipOSVScanner   bool
	SkipSchemathesis bool
	SkipWhatweb      bool
	SkipSQLMap       bool

	// Fan-out.
	ParallelLimit int

	// Context compression.
	CompressThresholdChars int
	CompressWindowTurns    int
	CompressWindowTurnsExploit int

	// Sub-agent tuning.
	SubAgentMaxTurns      int
	SubAgentTruncateBytes int
	SubAgentMaxDepth      int
	SubAgentMaxConcurrent int

	// Shell / tool-server timeouts.
	ShellTimeout        time.Duration
	ToolServerCallTimeout time.Duration
	ToolServerInitTimeout time.Duration

	// Proxy propagated to child shells.
	HTTPProxy  string
	HTTPSProxy string

	// Session store staleness sweep and reconciler stale-running threshold.
	SessionStaleAfter   time.Duration
	StaleRunningAfter   time.Duration

	Debug   bool
	Verbose bool
}

// FromEnv reads Kernel tuning from the process environment, applying the
// defaults spec.md calls out ("tens of minutes" staleness, "~60s" shell
// timeout, default fan-out of 5, etc).
func FromEnv() *Kernel {
	k := &Kernel{
		LLMBaseURL:     envString("LLM_BASE_URL", "https://api.anthropic.com/v1"),
		LLMModel:       envString("LLM_MODEL", "claude-sonnet-4-20250514"),
		LLMAPIKey:      envString("LLM_API_KEY", ""),
		Temperature:    envFloat("LLM_TEMPERATURE", 0.2),
		MaxTurns:       envInt("MAX_TURNS", 60),
		MaxPromptChars: envInt("MAX_PROMPT_CHARS", 180_000),

		PromptTokenPriceUSD:     envFloat("PROMPT_TOKEN_PRICE_USD", 0.003),
		CompletionTokenPriceUSD: envFloat("COMPLETION_TOKEN_PRICE_USD", 0.015),

		AgentMaxTurns: map[string]int{},

		SkipNmap:         envBool("SKIP_NMAP", false),
		SkipSubfinder:    envBool("SKIP_SUBFINDER", false),
		SkipSemgrep:      envBool("SKIP_SEMGREP", false),
		SkipOSVScanner:   envBool("SKIP_OSV_SCANNER", false),
		SkipSchemathesis: envBool("SKIP_SCHEMATHESIS", false),
		SkipWhatweb:      envBool("SKIP_WHATWEB", false),
		SkipSQLMap:       envBool("SKIP_SQLMAP", false),

		ParallelLimit: envInt("PARALLEL_LIMIT", 5),

		CompressThresholdChars:     envInt("COMPRESS_THRESHOLD_CHARS", 120_000),
		CompressWindowTurns:        envInt("COMPRESS_WINDOW_TURNS", 15),
		CompressWindowTurnsExploit: envInt("COMPRESS_WINDOW_TURNS_EXPLOIT", 30),

		SubAgentMaxTurns:      envInt("SUBAGENT_MAX_TURNS", 12),
		SubAgentTruncateBytes: envInt("SUBAGENT_TRUNCATE_BYTES", 8_000),
		SubAgentMaxDepth:      envInt("SUBAGENT_MAX_DEPTH", 2),
		SubAgentMaxConcurrent: envInt("SUBAGENT_MAX_CONCURRENT", 1),

		ShellTimeout:          envDuration("SHELL_TIMEOUT", 60*time.Second),
		ToolServerCallTimeout: envDuration("TOOLSERVER_CALL_TIMEOUT", 60*time.Second),
		ToolServerInitTimeout: envDuration("TOOLSERVER_INIT_TIMEOUT", 60*time.Second),

		HTTPProxy:  envString("HTTP_PROXY", os.Getenv("http_proxy")),
		HTTPSProxy: envString("HTTPS_PROXY", os.Getenv("https_proxy")),

		SessionStaleAfter: envDuration("SESSION_STALE_AFTER", 45*time.Minute),
		StaleRunningAfter: envDuration("STALE_RUNNING_AFTER", 30*time.Minute),

		Debug:   envBool("DEBUG", false),
		Verbose: envBool("VERBOSE", false),
	}
	return k
}
