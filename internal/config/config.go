// Package config loads and validates the runtime's configuration file:
// defaults first, then YAML overrides, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Precision is the model's numeric precision.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// EmbedDevice selects where the embedder runs.
type EmbedDevice string

const (
	EmbedDeviceCPU EmbedDevice = "cpu"
	EmbedDeviceGPU EmbedDevice = "gpu"
)

// ModelConfig configures the shared LLM handle.
type ModelConfig struct {
	ModelPath      string      `yaml:"model_path" json:"model_path"`
	TokenizerPath  string      `yaml:"tokenizer_path" json:"tokenizer_path"`
	Precision      Precision   `yaml:"precision" json:"precision"`
	QuantLayers    int         `yaml:"quant_layers" json:"quant_layers"`
	QuantType      string      `yaml:"quant_type" json:"quant_type"`
	TokenChunkSize int         `yaml:"token_chunk_size" json:"token_chunk_size"`
	MaxBatch       int         `yaml:"max_batch" json:"max_batch"`
	EmbedDevice    EmbedDevice `yaml:"embed_device" json:"embed_device"`
	Adapter        string      `yaml:"adapter,omitempty" json:"adapter,omitempty"`

	CompletionURL   string `yaml:"completion_url" json:"completion_url"`
	CompletionModel string `yaml:"completion_model" json:"completion_model"`
	EmbeddingURL    string `yaml:"embedding_url" json:"embedding_url"`
	EmbeddingModel  string `yaml:"embedding_model" json:"embedding_model"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Path            string `yaml:"path" json:"path"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	ConnectTimeoutS int    `yaml:"connect_timeout_s" json:"connect_timeout_s"`
	EnableWAL       bool   `yaml:"enable_wal" json:"enable_wal"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// ConnectTimeout as a time.Duration.
func (s StoreConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutS) * time.Second
}

// SchedulerConfig configures the model scheduler's queuing discipline.
type SchedulerConfig struct {
	QueueDepth            int `yaml:"queue_depth" json:"queue_depth"`
	MaxConcurrentPerAgent int `yaml:"max_concurrent_per_agent" json:"max_concurrent_per_agent"`
	StateLRUCapacity      int `yaml:"state_lru_capacity" json:"state_lru_capacity"`
	DefaultDeadlineMS     int `yaml:"default_deadline_ms" json:"default_deadline_ms"`
}

// DefaultDeadline as a time.Duration.
func (s SchedulerConfig) DefaultDeadline() time.Duration {
	return time.Duration(s.DefaultDeadlineMS) * time.Millisecond
}

// MemoryPolicyConfig controls retrieval weighting and summarization
// thresholds for one agent.
type MemoryPolicyConfig struct {
	Enabled                bool    `yaml:"enabled" json:"enabled"`
	TopK                   int     `yaml:"top_k" json:"top_k"`
	TimeDecayHours         float64 `yaml:"time_decay_hours" json:"time_decay_hours"`
	ImportanceWeight       float64 `yaml:"importance_weight" json:"importance_weight"`
	LexicalWeight          float64 `yaml:"lexical_weight" json:"lexical_weight"`
	SemanticWeight         float64 `yaml:"semantic_weight" json:"semantic_weight"`
	TimeWeight             float64 `yaml:"time_weight" json:"time_weight"`
	MaxContextChars        int     `yaml:"max_context_chars" json:"max_context_chars"`
	SemanticChunkThreshold int     `yaml:"semantic_chunk_threshold" json:"semantic_chunk_threshold"`
	CooccurDivisor         float64 `yaml:"cooccur_divisor" json:"cooccur_divisor"`
	MinEdgeWeight          float64 `yaml:"min_edge_weight" json:"min_edge_weight"`
	MaxEdgeWeight          float64 `yaml:"max_edge_weight" json:"max_edge_weight"`
	WeightAccumulation     bool    `yaml:"weight_accumulation" json:"weight_accumulation"`
}

// DecodingConfig are the sampling parameters applied by the scheduler.
type DecodingConfig struct {
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	TopP             float64 `yaml:"top_p" json:"top_p"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
}

// AgentConfig is the process-local, not-persisted configuration for one
// registered agent.
type AgentConfig struct {
	Name              string             `yaml:"name" json:"name"`
	PromptTemplate    string             `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	Decoding          DecodingConfig     `yaml:"decoding" json:"decoding"`
	StopSequences     []string           `yaml:"stop_sequences,omitempty" json:"stop_sequences,omitempty"`
	Grammar           string             `yaml:"grammar,omitempty" json:"grammar,omitempty"`
	StateID           string             `yaml:"state_id,omitempty" json:"state_id,omitempty"`
	SaveConversations bool               `yaml:"save_conversations" json:"save_conversations"`
	Memory            MemoryPolicyConfig `yaml:"memory" json:"memory"`
	MaxPromptChars    int                `yaml:"max_prompt_chars" json:"max_prompt_chars"`
}

// Config is the root configuration for the runtime.
type Config struct {
	Port      int             `yaml:"port" json:"port"`
	NATSPort  int             `yaml:"nats_port" json:"nats_port"`
	Model     ModelConfig     `yaml:"model" json:"model"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Agents    []AgentConfig   `yaml:"agents" json:"agents"`
}

// DefaultConfig returns the runtime's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:     8080,
		NATSPort: 4225,
		Model: ModelConfig{
			Precision:      PrecisionFP16,
			TokenChunkSize: 256,
			MaxBatch:       8,
			EmbedDevice:     EmbedDeviceCPU,
			CompletionURL:   "http://localhost:1234/v1",
			CompletionModel: "qwen2.5-7b-instruct",
			EmbeddingURL:    "http://localhost:1234/v1",
			EmbeddingModel:  "text-embedding",
		},
		Store: StoreConfig{
			Path:            "data/agentrt.db",
			MaxConnections:  10,
			ConnectTimeoutS: 5,
			EnableWAL:       true,
			AutoMigrate:     true,
		},
		Scheduler: SchedulerConfig{
			QueueDepth:            64,
			MaxConcurrentPerAgent: 1,
			StateLRUCapacity:      8,
			DefaultDeadlineMS:     30000,
		},
		Agents: []AgentConfig{DefaultChatAgent()},
	}
}

// DefaultChatAgent is the default "chat" agent that ChatWithNick binds
// to by literal name.
func DefaultChatAgent() AgentConfig {
	return AgentConfig{
		Name: "chat",
		Decoding: DecodingConfig{
			MaxTokens:   512,
			Temperature: 0.8,
			TopP:        0.9,
		},
		SaveConversations: true,
		MaxPromptChars:    6000,
		Memory: MemoryPolicyConfig{
			Enabled:                true,
			TopK:                   6,
			TimeDecayHours:         48,
			ImportanceWeight:       0.2,
			LexicalWeight:          0.3,
			SemanticWeight:         0.5,
			TimeWeight:             0.1,
			MaxContextChars:        4000,
			SemanticChunkThreshold: 7,
			CooccurDivisor:         10,
			MinEdgeWeight:          0.05,
			MaxEdgeWeight:          5.0,
			WeightAccumulation:     true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, validating it before
// returning.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for obviously broken values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.NATSPort <= 0 || c.NATSPort > 65535 {
		return fmt.Errorf("invalid nats port: %d", c.NATSPort)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler queue depth must be positive")
	}
	if c.Scheduler.MaxConcurrentPerAgent <= 0 {
		return fmt.Errorf("max_concurrent_per_agent must be positive")
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}
