package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"parley/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	validateStore(cfg, ve)
	validateBus(cfg, ve)
	validateActor(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateAgents(cfg, ve)
	validateTopics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid (valid: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (valid: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (valid: stdout, noop)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be in [0, 1]")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is not a valid host:port: %v", cfg.Metrics.Addr, err)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with /")
	}
	if cfg.Metrics.RateLimitPerMinute < 0 || cfg.Metrics.RateLimitBurst < 0 {
		ve.Add("metrics rate limits must be >= 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		ve.Add("store.driver %q is invalid (valid: sqlite, memory)", cfg.Store.Driver)
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	switch cfg.Bus.Transport {
	case "memory", "":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			ve.Add("bus.redis_url is required when bus.transport is redis")
		} else if u, err := url.Parse(cfg.Bus.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("bus.redis_url %q must be a redis:// or rediss:// url", cfg.Bus.RedisURL)
		}
	default:
		ve.Add("bus.transport %q is invalid (valid: memory, redis)", cfg.Bus.Transport)
	}
}

func validateActor(cfg *Config, ve *ValidationError) {
	a := cfg.Actor
	if a.PollInterval <= 0 {
		ve.Add("actor.poll_interval must be > 0")
	}
	if a.MailboxCapacity < 0 {
		ve.Add("actor.mailbox_capacity must be >= 0")
	}
	switch a.OverflowPolicy {
	case OverflowUnbounded, "":
	case OverflowDropOldest, OverflowDropNewest, OverflowReject:
		if a.MailboxCapacity == 0 {
			ve.Add("actor.mailbox_capacity must be > 0 when actor.overflow_policy is %s", a.OverflowPolicy)
		}
	default:
		ve.Add("actor.overflow_policy %q is invalid (valid: unbounded, drop_oldest, drop_newest, reject)", a.OverflowPolicy)
	}
	if a.IdleTTL < 0 {
		ve.Add("actor.idle_ttl must be >= 0")
	}
	if a.IdleTTL > 0 && a.JanitorInterval <= 0 {
		ve.Add("actor.janitor_interval must be > 0 when actor.idle_ttl is set")
	}
	if a.DefaultMaxIterations <= 0 {
		ve.Add("actor.default_max_iterations must be > 0")
	}
	if a.HistoryLimit < 0 {
		ve.Add("actor.history_limit must be >= 0")
	}
	if a.ContextTokenBudget < 0 {
		ve.Add("actor.context_token_budget must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name is required", i)
			continue
		}
		if names[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case "openai", "anthropic":
			if p.Model == "" {
				ve.Add("llm.providers[%d].model is required for %s", i, p.Type)
			}
		case "scripted":
		default:
			ve.Add("llm.providers[%d].type %q is invalid (valid: openai, anthropic, scripted)", i, p.Type)
		}
		if p.MaxTokens < 0 {
			ve.Add("llm.providers[%d].max_tokens must be >= 0", i)
		}
	}
	if cfg.LLM.DefaultProvider != "" && !names[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q is not a configured provider", cfg.LLM.DefaultProvider)
	}
	if e := cfg.LLM.Extraction.Provider; e != "" && !names[e] {
		ve.Add("llm.extraction.provider %q is not a configured provider", e)
	}
	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0")
		}
		if cb.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0")
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.RateLimitPerMinute < 0 {
		ve.Add("tools.rate_limit_per_minute must be >= 0")
	}
	if cfg.Tools.AuditMaxAge < 0 {
		ve.Add("tools.audit_max_age must be >= 0")
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("tools.mcp_servers[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d].command is required for stdio", i)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d].url is required for http", i)
			}
		default:
			ve.Add("tools.mcp_servers[%d].transport %q is invalid (valid: stdio, http)", i, s.Transport)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	providers := make(map[string]bool, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providers[p.Name] = true
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id is required", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		switch a.TriggerMode {
		case "", domain.TriggerMention, domain.TriggerAlways:
		default:
			ve.Add("agents[%d].trigger_mode %q is invalid (valid: mention, always)", i, a.TriggerMode)
		}
		if a.MaxIterations < 0 {
			ve.Add("agents[%d].max_iterations must be >= 0", i)
		}
		if a.Provider != "" && !providers[a.Provider] {
			ve.Add("agents[%d].provider %q is not a configured provider", i, a.Provider)
		}
	}
}

func validateTopics(cfg *Config, ve *ValidationError) {
	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = true
	}
	seen := make(map[string]bool, len(cfg.Topics))
	for i, t := range cfg.Topics {
		if t.ID == "" {
			ve.Add("topics[%d].id is required", i)
			continue
		}
		if seen[t.ID] {
			ve.Add("topics[%d].id %q is duplicated", i, t.ID)
		}
		seen[t.ID] = true
		switch t.SessionType {
		case "", domain.SessionPrivateChat, domain.SessionGroup:
		default:
			ve.Add("topics[%d].session_type %q is invalid (valid: private_chat, group)", i, t.SessionType)
		}
		for j, p := range t.Participants {
			if p.ID == "" {
				ve.Add("topics[%d].participants[%d].id is required", i, j)
				continue
			}
			switch p.Type {
			case domain.SenderAgent:
				if !agents[p.ID] {
					ve.Add("topics[%d].participants[%d] references unknown agent %q", i, j, p.ID)
				}
			case domain.SenderUser, "":
			default:
				ve.Add("topics[%d].participants[%d].type %q is invalid (valid: user, agent)", i, j, p.Type)
			}
		}
	}
}
