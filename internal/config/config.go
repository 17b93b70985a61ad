// Package config loads the Brain's configuration via the chu hierarchical
// loader (environment variables as the base layer, with optional
// consul/vault overlays).
package config

import (
	"context"
	"fmt"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/alan"
	"github.com/rakunlabs/chu"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/tell"
)

// Service names this process for the server middleware's banner/metrics
// labels.
var Service = "brain"

// Config is the root configuration for the brain process.
type Config struct {
	LogLevel string `cfg:"log_level" default:"info"`

	// AgentName substitutes {{AGENT_NAME}} in personality files.
	AgentName string `cfg:"agent_name" default:"Brain"`

	// PersonalityDir holds the static system-prompt personality files (OS_DIR).
	PersonalityDir string `cfg:"personality_dir" default:"./personality"`

	AuthToken string `cfg:"auth_token"`

	Server   Server         `cfg:"server"`
	Bus      Bus            `cfg:"bus"`
	Store    Store          `cfg:"store"`
	Router   Router         `cfg:"router"`
	Memory   Memory         `cfg:"memory"`
	TaskPod  TaskPod        `cfg:"task_pod"`
	Plugins  Plugins        `cfg:"plugins"`
	Cluster  *alan.Config   `cfg:"cluster"`
	Telemetry tell.Config   `cfg:"telemetry"`
}

// Server holds HTTP Surface settings.
type Server struct {
	Host string `cfg:"host" default:"0.0.0.0"`
	Port string `cfg:"port" default:"8080"`

	// ForwardAuth, if set, forwards auth decisions to an external
	// authentication service ahead of the bearer-token check.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`
}

// Plugins points at the in-process plugin manifest (a YAML list of script
// plugins loaded at startup). Empty means no plugins.
type Plugins struct {
	Manifest string `cfg:"manifest"`
}

// Bus holds Durable Bus Client settings.
type Bus struct {
	URL         string `cfg:"url" default:"nats://127.0.0.1:4222"`
	ClientName  string `cfg:"client_name" default:"brain"`
	StreamName  string `cfg:"stream_name" default:"BRAIN"`
	QueueGroup  string `cfg:"queue_group" default:"workers"`
}

// Store holds State Store settings. The embedded sqlite3 backend is the
// only implementation; see DESIGN.md for why a postgres backend was
// dropped rather than carried as an unused seam.
type Store struct {
	SQLite        *StoreSQLite `cfg:"sqlite"`
	EncryptionKey string       `cfg:"encryption_key"`
}

type StoreSQLite struct {
	Datasource  string  `cfg:"datasource" default:"./data/brain.db"`
	TablePrefix *string `cfg:"table_prefix"`
	Migrate     Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table" default:"migrations"`
	Values     map[string]string `cfg:"values"`
}

// Router holds Model Router settings.
type Router struct {
	// Providers maps a provider key to its configuration.
	Providers map[string]ProviderConfig `cfg:"providers"`

	// Roles maps a logical role (agent, observer, reflector, embedder)
	// to an ordered fallback chain of "providerKey/model" references.
	Roles map[string][]string `cfg:"roles"`
}

// ProviderConfig configures one chat-completion provider (anthropic-wire
// or openai-wire).
//
// Example YAML:
//
//	providers:
//	  anthropic-main:
//	    type: anthropic
//	    api_key: sk-ant-...
//	    model: claude-sonnet-4-5
//	  local-cheap:
//	    type: openai
//	    base_url: http://127.0.0.1:11434/v1/chat/completions
//	    model: qwen2.5:7b
type ProviderConfig struct {
	Type               string            `cfg:"type"` // anthropic | openai
	APIKey             string            `cfg:"api_key"`
	BaseURL            string            `cfg:"base_url"`
	Model              string            `cfg:"model"`
	Models             []string          `cfg:"models"`
	ExtraHeaders       map[string]string `cfg:"extra_headers"`
	Proxy              string            `cfg:"proxy"`
	InsecureSkipVerify bool              `cfg:"insecure_skip_verify"`
}

// Memory holds Memory Service settings.
type Memory struct {
	MilvusAddr         string  `cfg:"milvus_addr" default:"127.0.0.1:19530"`
	Collection         string  `cfg:"collection" default:"brain_memory"`
	EmbeddingDims      int     `cfg:"embedding_dims" default:"1536"`
	MinScore           float32 `cfg:"min_score" default:"0.35"`
	ObserverThreshold  int     `cfg:"observer_threshold" default:"2000"`
	ReflectorThreshold int     `cfg:"reflector_threshold" default:"20"`

	// Embedder configures the langchaingo embeddings client used to embed
	// memory content on store() and queries on search().
	Embedder ProviderConfig `cfg:"embedder"`
}

// TaskPod holds Ephemeral Task Manager settings. DefaultTimeout accepts
// human-friendly duration strings ("30m", "1h30m", "90s").
type TaskPod struct {
	MountAllowlist []string `cfg:"mount_allowlist"`
	DefaultTimeout string   `cfg:"default_timeout" default:"30m"`
}

// Load reads configuration for the given process name using chu's
// hierarchical loader.
func Load(ctx context.Context, name string) (*Config, error) {
	var cfg Config

	if err := chu.Load(ctx, name, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &cfg, nil
}
