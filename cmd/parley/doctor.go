package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"parley/internal/adapter/pubsub"
	"parley/internal/domain"
	"parley/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Store", Fn: checkStore},
		{Name: "Bus transport", Fn: checkTransport},
		{Name: "Agents and topics", Fn: checkSeeds},
		{Name: "MCP servers", Fn: checkMCPServers},
	}

	fmt.Println("parley doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
	}

	pass, warn, fail := summarize(results)
	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn == 0 {
		fmt.Println("\nAll checks passed! parley is ready to run.")
	}
	return nil
}

func summarize(results []CheckResult) (pass, warn, fail int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, running on defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the fields named above",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkLLMAPIKey verifies every network provider has an API key.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "scripted":
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("missing API keys for: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set PARLEY_LLM_PROVIDER_<NAME>_API_KEY",
		}
	}
	if len(withKey) == 0 {
		return CheckResult{Status: StatusPass, Message: "only scripted providers configured"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API keys configured for: %s", strings.Join(withKey, ", "))}
}

// checkLLMConnectivity tests if the default provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.Name == cfg.LLM.DefaultProvider || (cfg.LLM.DefaultProvider == "" && provider == nil) {
			provider = p
		}
	}
	if provider == nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("default provider %q not found", cfg.LLM.DefaultProvider)}
	}
	if provider.Type == "scripted" {
		return CheckResult{Status: StatusPass, Message: "default provider is scripted"}
	}
	if provider.APIKey == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped: no API key for default provider"}
	}

	endpoint := providerEndpoint(provider)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint %q: %v", endpoint, err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check network access and llm.providers[].base_url",
		}
	}
	resp.Body.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, time.Since(start).Milliseconds()),
	}
}

func providerEndpoint(p *config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch p.Type {
	case "anthropic":
		return "https://api.anthropic.com/"
	default:
		return "https://api.openai.com/v1/models"
	}
}

// checkStore verifies the sqlite directory exists and is writable.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Store.Driver == "memory" {
		return CheckResult{Status: StatusWarn, Message: "memory store: messages are lost on exit"}
	}

	dir, _ := filepath.Abs(filepath.Dir(cfg.Store.Path))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory %s cannot be created: %v", dir, err),
			Fix:     fmt.Sprintf("mkdir -p %s", dir),
		}
	}
	probe := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory %s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("chmod 700 %s", dir),
		}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite at %s", cfg.Store.Path)}
}

// checkTransport pings redis when it is the configured transport.
func checkTransport(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Bus.Transport != "redis" {
		return CheckResult{Status: StatusPass, Message: "in-process transport"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := pubsub.Dial(ctx, cfg.Bus.RedisURL)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis unreachable: %v", err),
			Fix:     "Check bus.redis_url and that redis is running",
		}
	}
	client.Close()
	return CheckResult{Status: StatusPass, Message: "redis reachable"}
}

// checkSeeds cross-checks agents, providers and topic participants.
func checkSeeds(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	providers := make(map[string]bool, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providers[p.Name] = true
	}
	agents := make(map[string]bool, len(cfg.Agents))
	var problems []string
	for _, a := range cfg.Agents {
		agents[a.ID] = true
		if a.Provider != "" && !providers[a.Provider] {
			problems = append(problems, fmt.Sprintf("agent %s uses unknown provider %s", a.ID, a.Provider))
		}
	}
	for _, t := range cfg.Topics {
		for _, p := range t.Participants {
			if p.Type == domain.SenderAgent && !agents[p.ID] {
				problems = append(problems, fmt.Sprintf("topic %s lists unknown agent %s", t.ID, p.ID))
			}
		}
	}

	if len(problems) > 0 {
		return CheckResult{Status: StatusFail, Message: strings.Join(problems, "; ")}
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no agents configured", Fix: "Add agents under agents:"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agent(s), %d topic(s)", len(cfg.Agents), len(cfg.Topics))}
}

// checkMCPServers verifies stdio server commands are on PATH.
func checkMCPServers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Tools.MCPServers) == 0 {
		return CheckResult{Status: StatusPass, Message: "no MCP servers configured"}
	}
	var missing []string
	for _, srv := range cfg.Tools.MCPServers {
		if srv.Transport != "stdio" {
			continue
		}
		if _, err := exec.LookPath(srv.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", srv.Name, srv.Command))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("commands not found: %s", strings.Join(missing, ", ")),
			Fix:     "Install the server or fix tools.mcp_servers[].command",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d server(s) configured", len(cfg.Tools.MCPServers))}
}
