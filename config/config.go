// Package config provides configuration types and loading for the chat bridge.
//
// Configuration is a single immutable value constructed at startup from a
// YAML file (with environment variable expansion) plus .env files. Every
// component receives a reference to its section; nothing re-reads the
// environment after startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Conversation defaults
	DefaultMaxConversationMessages = 20
	DefaultMaxHistoryLength        = 50
	DefaultMaxMessageSize          = 100000
	DefaultNewResponseThreshold    = 500000
	DefaultNewResponseTarget       = 425000
	DefaultHistoryThreshold        = 50000
	DefaultHistoryTarget           = 42500

	// Tool defaults
	DefaultToolTimeoutSeconds  = 30
	DefaultMaxToolCalls        = 5
	DefaultMaxToolCallsPerTurn = 5

	// Session defaults
	DefaultSessionTimeoutSeconds  = 3600
	DefaultCleanupIntervalSeconds = 300
	DefaultMaxSessions            = 1000
	DefaultTurnTimeoutSeconds     = 600

	// LLM defaults
	DefaultMaxTokens         = 4096
	DefaultMaxRetries        = 3
	DefaultRetryBaseDelaySec = 1.0
	DefaultRetryMaxDelaySec  = 60.0
	DefaultRateLimitRPS      = 2.0
	DefaultRateLimitBurst    = 4
	DefaultContextWindow     = 200000
)

// Conversation strategies
const (
	StrategyTruncate      = "truncate"
	StrategySlidingWindow = "sliding_window"
	StrategySmartPrune    = "smart_prune"
)

// Chunking strategies
const (
	ChunkingSimple       = "simple"
	ChunkingContextAware = "context_aware"
)

// Busy policies for chat frames arriving while a turn is in flight
const (
	BusyReject = "reject"
	BusyQueue  = "queue"
)

// Model families
const (
	FamilyClaude = "claude"
	FamilyGPT    = "gpt"
	FamilyLlama  = "llama"
)

// ============================================================================
// CONFIGURATION TYPES
// ============================================================================

// Config is the root configuration for the bridge process.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Tools        ToolsConfig        `yaml:"tools"`
	Conversation ConversationConfig `yaml:"conversation"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig configures the model-invocation pipeline.
type LLMConfig struct {
	ModelID  string `yaml:"model_id"`
	Family   string `yaml:"family"` // claude, gpt, llama; detected from model_id when empty
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	Temperature   float64  `yaml:"temperature"`
	MaxTokens     int      `yaml:"max_tokens"`
	StopSequences []string `yaml:"stop_sequences"`

	MaxRetries     int     `yaml:"max_retries"`
	RetryBaseDelay float64 `yaml:"retry_base_delay"` // seconds
	RetryMaxDelay  float64 `yaml:"retry_max_delay"`  // seconds

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	ContextWindowTokens int `yaml:"context_window_tokens"`
}

// ToolsConfig configures the OpenAPI compiler and the tool executor.
type ToolsConfig struct {
	OpenAPIFile string `yaml:"openapi_file"`
	OpenAPIURL  string `yaml:"openapi_url"`
	BaseURL     string `yaml:"base_url"`

	AllowedPaths  []string `yaml:"allowed_paths"`
	ExcludedPaths []string `yaml:"excluded_paths"`

	Timeout             int `yaml:"timeout"` // seconds per tool call
	MaxToolCalls        int `yaml:"max_tool_calls"`
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`

	EnableToolAuth     *bool    `yaml:"enable_tool_auth"`
	SupportedAuthTypes []string `yaml:"supported_auth_types"`
	RequireToolAuth    bool     `yaml:"require_tool_auth"`
	AuthTokenCacheTTL  int      `yaml:"auth_token_cache_ttl"` // seconds; 0 = 0.9 * expires_in
}

// ConversationConfig configures history budgets, eviction, truncation and
// chunking.
type ConversationConfig struct {
	MaxConversationMessages int    `yaml:"max_conversation_messages"`
	MaxHistoryLength        int    `yaml:"max_history_length"`
	Strategy                string `yaml:"conversation_strategy"`
	PreserveSystemMessage   *bool  `yaml:"preserve_system_message"`
	SystemPrompt            string `yaml:"system_prompt"`

	EnableMessageChunking *bool  `yaml:"enable_message_chunking"`
	MaxMessageSize        int    `yaml:"max_message_size"`
	ChunkingStrategy      string `yaml:"chunking_strategy"`

	NewResponseThreshold int `yaml:"tool_result_new_response_threshold"`
	NewResponseTarget    int `yaml:"tool_result_new_response_target"`
	HistoryThreshold     int `yaml:"tool_result_history_threshold"`
	HistoryTarget        int `yaml:"tool_result_history_target"`
}

// SessionConfig configures the session table and per-turn budgets.
type SessionConfig struct {
	SessionTimeout  int    `yaml:"session_timeout"` // seconds idle before reap
	MaxSessions     int    `yaml:"max_sessions"`
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds between reap sweeps
	BusyPolicy      string `yaml:"busy_policy"`
	TurnTimeout     int    `yaml:"turn_timeout"` // seconds wall-clock per turn
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ============================================================================
// DEFAULTS
// ============================================================================

func boolPtr(b bool) *bool { return &b }

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Tools.SetDefaults()
	c.Conversation.SetDefaults()
	c.Session.SetDefaults()
	c.Logging.SetDefaults()
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *LLMConfig) SetDefaults() {
	if c.Family == "" {
		c.Family = DetectFamily(c.ModelID)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelaySec
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelaySec
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.ContextWindowTokens == 0 {
		c.ContextWindowTokens = DefaultContextWindow
	}
}

func (c *ToolsConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultToolTimeoutSeconds
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.MaxToolCallsPerTurn == 0 {
		c.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if c.EnableToolAuth == nil {
		c.EnableToolAuth = boolPtr(true)
	}
	if len(c.SupportedAuthTypes) == 0 {
		c.SupportedAuthTypes = []string{
			"bearer_token", "basic_auth", "api_key",
			"oauth2_client_credentials", "custom",
		}
	}
}

func (c *ConversationConfig) SetDefaults() {
	if c.MaxConversationMessages == 0 {
		c.MaxConversationMessages = DefaultMaxConversationMessages
	}
	if c.MaxHistoryLength == 0 {
		c.MaxHistoryLength = DefaultMaxHistoryLength
	}
	if c.Strategy == "" {
		c.Strategy = StrategySlidingWindow
	}
	if c.PreserveSystemMessage == nil {
		c.PreserveSystemMessage = boolPtr(true)
	}
	if c.EnableMessageChunking == nil {
		c.EnableMessageChunking = boolPtr(true)
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ChunkingStrategy == "" {
		c.ChunkingStrategy = ChunkingContextAware
	}
	if c.NewResponseThreshold == 0 {
		c.NewResponseThreshold = DefaultNewResponseThreshold
	}
	if c.NewResponseTarget == 0 {
		c.NewResponseTarget = DefaultNewResponseTarget
	}
	if c.HistoryThreshold == 0 {
		c.HistoryThreshold = DefaultHistoryThreshold
	}
	if c.HistoryTarget == 0 {
		c.HistoryTarget = DefaultHistoryTarget
	}
}

func (c *SessionConfig) SetDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeoutSeconds
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupIntervalSeconds
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = BusyReject
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = DefaultTurnTimeoutSeconds
	}
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks all sections; returns the first violation found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if err := c.Conversation.Validate(); err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c *LLMConfig) Validate() error {
	if c.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	switch c.Family {
	case FamilyClaude, FamilyGPT, FamilyLlama:
	default:
		return fmt.Errorf("unknown model family %q", c.Family)
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature must be in [0,1], got %g", c.Temperature)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

func (c *ToolsConfig) Validate() error {
	if c.OpenAPIFile == "" && c.OpenAPIURL == "" {
		return fmt.Errorf("one of openapi_file or openapi_url is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

func (c *ConversationConfig) Validate() error {
	switch c.Strategy {
	case StrategyTruncate, StrategySlidingWindow, StrategySmartPrune:
	default:
		return fmt.Errorf("unknown conversation_strategy %q", c.Strategy)
	}
	switch c.ChunkingStrategy {
	case ChunkingSimple, ChunkingContextAware:
	default:
		return fmt.Errorf("unknown chunking_strategy %q", c.ChunkingStrategy)
	}
	if c.NewResponseTarget > c.NewResponseThreshold {
		return fmt.Errorf("tool_result_new_response_target %d exceeds threshold %d",
			c.NewResponseTarget, c.NewResponseThreshold)
	}
	if c.HistoryTarget > c.HistoryThreshold {
		return fmt.Errorf("tool_result_history_target %d exceeds threshold %d",
			c.HistoryTarget, c.HistoryThreshold)
	}
	return nil
}

func (c *SessionConfig) Validate() error {
	switch c.BusyPolicy {
	case BusyReject, BusyQueue:
	default:
		return fmt.Errorf("unknown busy_policy %q", c.BusyPolicy)
	}
	return nil
}

// ============================================================================
// ACCESSORS
// ============================================================================

// ToolTimeout returns the per-tool-call deadline.
func (c *ToolsConfig) ToolTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// IdleTimeout returns the session idle expiry.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// SweepInterval returns the reaper period.
func (c *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// TurnDeadline returns the per-turn wall-clock budget.
func (c *SessionConfig) TurnDeadline() time.Duration {
	return time.Duration(c.TurnTimeout) * time.Second
}

// DetectFamily infers the wire family from a model id.
func DetectFamily(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "anthropic.") || strings.Contains(id, "claude"):
		return FamilyClaude
	case strings.Contains(id, "openai.") || strings.Contains(id, "gpt"):
		return FamilyGPT
	case strings.Contains(id, "meta.") || strings.Contains(id, "llama"):
		return FamilyLlama
	default:
		return FamilyClaude
	}
}

// ============================================================================
// LOADING
// ============================================================================

// Load reads the YAML file at path, expands environment variables in every
// string value, applies defaults and validates. .env files are loaded first
// so their variables participate in expansion.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML config bytes, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := expandEnvData(raw)
	out, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
