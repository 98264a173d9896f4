package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"parley/internal/domain"
)

// Config is the top-level parley configuration.
type Config struct {
	Includes []string             `yaml:"includes,omitempty"`
	Logger   LoggerConfig         `yaml:"logger"`
	Tracer   TracerConfig         `yaml:"tracer"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Store    StoreConfig          `yaml:"store"`
	Bus      BusConfig            `yaml:"bus"`
	Actor    ActorConfig          `yaml:"actor"`
	LLM      LLMConfig            `yaml:"llm"`
	Tools    ToolsConfig          `yaml:"tools"`
	Agents   []domain.AgentConfig `yaml:"agents"`
	Topics   []TopicSeed          `yaml:"topics"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "noop"
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig controls the ops HTTP server (health, actor status and the
// Prometheus endpoint).
type MetricsConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Addr               string   `yaml:"addr"`
	Path               string   `yaml:"path"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	TrustedProxies     []string `yaml:"trusted_proxies,omitempty"`
}

// StoreConfig selects the message repository.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// BusConfig selects the pub/sub transport behind the topic bus.
type BusConfig struct {
	Transport string `yaml:"transport"` // "memory" or "redis"
	RedisURL  string `yaml:"redis_url"`
}

// Mailbox overflow policies.
const (
	OverflowUnbounded  = "unbounded"
	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"
	OverflowReject     = "reject"
)

// ActorConfig holds actor runtime settings.
type ActorConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	MailboxCapacity      int           `yaml:"mailbox_capacity"`
	OverflowPolicy       string        `yaml:"overflow_policy"`
	// IdleTTL stops actors without activity for that long. Zero disables.
	IdleTTL              time.Duration `yaml:"idle_ttl"`
	JanitorInterval      time.Duration `yaml:"janitor_interval"`
	DefaultMaxIterations int           `yaml:"default_max_iterations"`
	HistoryLimit         int           `yaml:"history_limit"`
	ContextTokenBudget   int           `yaml:"context_token_budget"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Extraction      ExtractionConfig     `yaml:"extraction"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai", "anthropic" or "scripted"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// Script is the canned reply list of a scripted provider.
	Script []string `yaml:"script,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ExtractionConfig names the provider used to pull tool arguments out of
// free text. An empty provider disables the LLM path.
type ExtractionConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	MCPServers         []MCPServer   `yaml:"mcp_servers"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	// AuditLog, when set, appends one JSON line per tool invocation.
	AuditLog           string        `yaml:"audit_log"`
	AuditMaxAge        time.Duration `yaml:"audit_max_age"`
	AuditMaxSize       string        `yaml:"audit_max_size"` // e.g. "50MB"
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// TopicSeed is a topic created at startup together with its participants.
type TopicSeed struct {
	ID           string             `yaml:"id"`
	Title        string             `yaml:"title"`
	SessionType  domain.SessionType `yaml:"session_type"`
	Participants []ParticipantSeed  `yaml:"participants"`
}

// ParticipantSeed is a member of a seeded topic.
type ParticipantSeed struct {
	ID   string            `yaml:"id"`
	Type domain.SenderType `yaml:"type"`
}

// defaultDataDir returns the persistent data directory under $HOME/.parley/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".parley", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "parley",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Addr:               ":9464",
			Path:               "/metrics",
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "parley.db"),
		},
		Bus: BusConfig{
			Transport: "memory",
		},
		Actor: ActorConfig{
			PollInterval:         time.Second,
			OverflowPolicy:       OverflowUnbounded,
			JanitorInterval:      time.Minute,
			DefaultMaxIterations: 10,
			HistoryLimit:         50,
			ContextTokenBudget:   8000,
		},
		LLM: LLMConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			RateLimitPerMinute: 60,
			RateLimitBurst:     5,
			CallTimeout:        60 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("PARLEY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PARLEY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PARLEY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PARLEY_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("PARLEY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PARLEY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("PARLEY_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("PARLEY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PARLEY_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PARLEY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PARLEY_BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("PARLEY_BUS_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("PARLEY_ACTOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Actor.PollInterval = d
		}
	}
	if v := os.Getenv("PARLEY_ACTOR_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Actor.MailboxCapacity = n
		}
	}
	if v := os.Getenv("PARLEY_ACTOR_OVERFLOW_POLICY"); v != "" {
		cfg.Actor.OverflowPolicy = v
	}
	if v := os.Getenv("PARLEY_ACTOR_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Actor.IdleTTL = d
		}
	}
	if v := os.Getenv("PARLEY_ACTOR_DEFAULT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Actor.DefaultMaxIterations = n
		}
	}
	if v := os.Getenv("PARLEY_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("PARLEY_LLM_EXTRACTION_PROVIDER"); v != "" {
		cfg.LLM.Extraction.Provider = v
	}
	if v := os.Getenv("PARLEY_TOOLS_AUDIT_LOG"); v != "" {
		cfg.Tools.AuditLog = v
	}
	if v := os.Getenv("PARLEY_TOOLS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tools.RateLimitPerMinute = n
		}
	}

	// Per-provider API key overrides: PARLEY_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("PARLEY_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_")))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	if err := decryptField(&cfg.Bus.RedisURL, passphrase); err != nil {
		return fmt.Errorf("bus redis_url: %w", err)
	}
	for i := range cfg.Tools.MCPServers {
		srv := &cfg.Tools.MCPServers[i]
		for k, v := range srv.Env {
			if err := decryptField(&v, passphrase); err != nil {
				return fmt.Errorf("mcp server %s env %s: %w", srv.Name, k, err)
			}
			srv.Env[k] = v
		}
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", domain.WrapOp("generate salt", domain.ErrEncryption)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.WrapOp("generate nonce", domain.ErrEncryption)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", domain.NewDomainError("DecryptValue", domain.ErrDecryption, "invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", domain.NewDomainError("DecryptValue", domain.ErrDecryption, "decode salt")
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", domain.NewDomainError("DecryptValue", domain.ErrDecryption, "decode ciphertext")
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", domain.NewDomainError("DecryptValue", domain.ErrDecryption, "ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.NewDomainError("DecryptValue", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
