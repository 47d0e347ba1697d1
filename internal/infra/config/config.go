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
)

// DefaultPath is where the config file is looked up when no --config flag is given.
const DefaultPath = "gemini-bridge.yaml"

// Config is the top-level application configuration.
type Config struct {
	Gemini   GeminiConfig   `yaml:"gemini"`
	Executor ExecutorConfig `yaml:"executor"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	HTTP     HTTPConfig     `yaml:"http"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// GeminiConfig describes the external CLI and how to reach it.
type GeminiConfig struct {
	Binary        string   `yaml:"binary"`         // direct executable name, "gemini"
	FallbackCmd   string   `yaml:"fallback_cmd"`   // package runner, "npx"
	FallbackArgs  []string `yaml:"fallback_args"`  // ["-y", "@google/gemini-cli"]
	AllowFallback bool     `yaml:"allow_fallback"` // default for callers that do not say
	ResolveTTL    Duration `yaml:"resolve_ttl"`
	DefaultModel  string   `yaml:"default_model,omitempty"`
	APIKey        string   `yaml:"api_key,omitempty"` // may be "enc:..."
}

// ExecutorConfig holds subprocess defaults.
type ExecutorConfig struct {
	Timeout       Duration `yaml:"timeout"`
	SearchTimeout Duration `yaml:"search_timeout"`
	ChatTimeout   Duration `yaml:"chat_timeout"`
	WorkDir       string   `yaml:"workdir,omitempty"`
	KillGrace     Duration `yaml:"kill_grace"` // how long Wait may block on inherited pipes after a kill
}

// RetryConfig holds the global retry defaults.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxDelay          Duration `yaml:"max_delay"`
}

// BreakerConfig configures the per-verb circuit breaker.
type BreakerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// HTTPConfig holds the HTTP/SSE API settings.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// MCPConfig holds tool-server settings.
type MCPConfig struct {
	Name             string   `yaml:"name"`
	ProgressInterval Duration `yaml:"progress_interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("90s") or a bare number of milliseconds (90000).
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration accepts "1m30s" style strings or integer milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gemini: GeminiConfig{
			Binary:        "gemini",
			FallbackCmd:   "npx",
			FallbackArgs:  []string{"-y", "@google/gemini-cli"},
			AllowFallback: true,
			ResolveTTL:    Duration(5 * time.Minute),
		},
		Executor: ExecutorConfig{
			Timeout:       Duration(2 * time.Minute),
			SearchTimeout: Duration(60 * time.Second),
			ChatTimeout:   Duration(5 * time.Minute),
			KillGrace:     Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      Duration(time.Second),
			BackoffMultiplier: 2,
			MaxDelay:          Duration(10 * time.Second),
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     Duration(30 * time.Second),
			Interval:    Duration(60 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:8787",
			RequestsPerMin: 60,
			BurstSize:      10,
		},
		MCP: MCPConfig{
			Name:             "gemini-bridge",
			ProgressInterval: Duration(25 * time.Second),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GEMINI_BRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps GEMINI_BRIDGE_* env vars to config fields.
// Unparseable numeric values are ignored and the previous value kept.
func ApplyEnvOverrides(cfg *Config) {
	envDuration("GEMINI_BRIDGE_TIMEOUT", &cfg.Executor.Timeout)
	envDuration("GEMINI_BRIDGE_SEARCH_TIMEOUT", &cfg.Executor.SearchTimeout)
	envDuration("GEMINI_BRIDGE_CHAT_TIMEOUT", &cfg.Executor.ChatTimeout)
	envDuration("GEMINI_BRIDGE_RESOLVE_TTL", &cfg.Gemini.ResolveTTL)

	if v := os.Getenv("GEMINI_BRIDGE_WORKDIR"); v != "" {
		cfg.Executor.WorkDir = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_LOG_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_ALLOW_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gemini.AllowFallback = b
		}
	}
	if v := os.Getenv("GEMINI_BRIDGE_BINARY"); v != "" {
		cfg.Gemini.Binary = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_MODEL"); v != "" {
		cfg.Gemini.DefaultModel = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("GEMINI_BRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GEMINI_BRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		return
	}
	*dst = Duration(d)
}

// decryptSecrets replaces "enc:" prefixed secret fields with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Gemini.APIKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Gemini.APIKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("gemini api key: %w", err)
		}
		cfg.Gemini.APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
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

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
