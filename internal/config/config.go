// Package config loads the engine's YAML configuration with the same
// deterministic layered-merge semantics this codebase's shared config
// package applies to its base/env/tenant tiers — base document, then
// environments.<env> merged on top, then process environment variable
// overrides — but decodes real YAML (gopkg.in/yaml.v3) rather than the
// JSON-as-YAML v0 rule the shared package restricts itself to, since this
// engine's operators hand-author YAML.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix recognized for environment variable overrides,
// e.g. INTEROP__GLOBAL__LOG_LEVEL=debug.
const EnvPrefix = "INTEROP"

// PathDelimiter separates nested keys in an environment variable override.
const PathDelimiter = "__"

// QueuesConfig selects and configures the queue backend (§4.1).
type QueuesConfig struct {
	Type    string                 `yaml:"type"`
	Memory  MemoryQueueConfig      `yaml:"memory"`
	Streams StreamsQueueConfig     `yaml:"streams"`
}

type MemoryQueueConfig struct {
	MaxSize int `yaml:"max_size"`
}

type StreamsQueueConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DB             int    `yaml:"db"`
	Password       string `yaml:"password"`
	MaxLenApprox   int64  `yaml:"max_len_approx"`
}

// ListenerOptions carries the options sub-map for inbound listeners.
type ListenerOptions struct {
	BufferSize    int    `yaml:"buffer_size"`
	MaxConnections int   `yaml:"max_connections"`
	Framing       string `yaml:"framing"`
	WatchDir      string `yaml:"watch_dir"`
	ProcessedDir  string `yaml:"processed_dir"`
	ErrorDir      string `yaml:"error_dir"`
	Glob          string `yaml:"glob"`
	PollInterval  string `yaml:"poll_interval"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	PrivateKeyPath string `yaml:"private_key_path"`
	RemoteDir     string `yaml:"remote_dir"`
	StagingDir    string `yaml:"staging_dir"`
}

type InboundServiceConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Host       string          `yaml:"host"`
	Port       int             `yaml:"port"`
	InputQueue string          `yaml:"input_queue"`
	Options    ListenerOptions `yaml:"options"`
}

type InboundConfig struct {
	HL7v2Listener InboundServiceConfig `yaml:"hl7v2_listener"`
	FHIRListener  InboundServiceConfig `yaml:"fhir_listener"`
	FileWatcher   InboundServiceConfig `yaml:"file_watcher"`
	SFTPWatcher   InboundServiceConfig `yaml:"sftp_watcher"`
}

type RouteConditionConfig struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

type RouteActionConfig struct {
	Type       string         `yaml:"type"`
	Target     string         `yaml:"target"`
	Parameters map[string]any `yaml:"parameters"`
}

type RouteRuleConfig struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Priority    int                     `yaml:"priority"`
	Conditions  []RouteConditionConfig  `yaml:"conditions"`
	Actions     []RouteActionConfig     `yaml:"actions"`
	Enabled     bool                    `yaml:"enabled"`
}

type TransformationRuleConfig struct {
	Name              string         `yaml:"name"`
	SourceFormat      string         `yaml:"source_format"`
	TargetFormat      string         `yaml:"target_format"`
	SourceMessageType string         `yaml:"source_message_type"`
	TargetMessageType string         `yaml:"target_message_type"`
	Mapping           map[string]any `yaml:"mapping"`
}

type ProcessingStageConfig struct {
	Enabled     bool                       `yaml:"enabled"`
	InputQueue  string                     `yaml:"input_queue"`
	OutputQueue string                     `yaml:"output_queue"`
	ErrorQueue  string                     `yaml:"error_queue"`
	Routes      []RouteRuleConfig          `yaml:"routes"`
	Rules       []TransformationRuleConfig `yaml:"rules"`
}

type ProcessingConfig struct {
	Validation     ProcessingStageConfig `yaml:"validation"`
	Transformation ProcessingStageConfig `yaml:"transformation"`
	Routing        ProcessingStageConfig `yaml:"routing"`
}

type AuthConfig struct {
	Type         string `yaml:"type"` // none|basic|bearer|oauth2
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Token        string `yaml:"token"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

type OutboundServiceConfig struct {
	Enabled     bool       `yaml:"enabled"`
	InputQueue  string     `yaml:"input_queue"`
	ErrorQueue  string     `yaml:"error_queue"`
	Host        string     `yaml:"host"`
	Port        int        `yaml:"port"`
	BaseURL     string     `yaml:"base_url"`
	Auth        AuthConfig `yaml:"auth"`
	OutputDir   string     `yaml:"output_dir"`
	CreateSubdirs bool     `yaml:"create_subdirs"`
	MaxRetries  int        `yaml:"max_retries"`
}

type OutboundConfig struct {
	HL7v2Sender OutboundServiceConfig `yaml:"hl7v2_sender"`
	FHIRSender  OutboundServiceConfig `yaml:"fhir_sender"`
	FileSender  OutboundServiceConfig `yaml:"file_sender"`
}

type GlobalConfig struct {
	LogLevel        string `yaml:"log_level"`
	Environment     string `yaml:"environment"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// EngineConfig is the fully merged, typed configuration for one process.
type EngineConfig struct {
	Queues     QueuesConfig     `yaml:"queues"`
	Inbound    InboundConfig    `yaml:"inbound"`
	Processing ProcessingConfig `yaml:"processing"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Global     GlobalConfig     `yaml:"global"`
}

// Load reads the YAML document at path, merges environments.<env> on top if
// env is non-empty, applies INTEROP__-prefixed environment variable
// overrides, and decodes the result into an EngineConfig.
func Load(path string, env string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	envsAny, hasEnvs := doc["environments"]
	delete(doc, "environments")

	merged := doc
	if env != "" && hasEnvs {
		envs, ok := envsAny.(map[string]any)
		if ok {
			if override, ok := envs[env].(map[string]any); ok {
				merged = deepMerge(merged, override, 32)
			}
		}
	}

	envOverrides, err := collectEnvOverrides()
	if err != nil {
		return nil, err
	}
	if len(envOverrides) > 0 {
		merged = deepMerge(merged, envOverrides, 32)
	}

	normalized := normalizeKeys(merged)
	b, err := yaml.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged document: %w", err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged document: %w", err)
	}
	return &cfg, nil
}

// deepMerge merges src into dst (maps recursively merge, later/src wins on
// scalar conflicts; slices are replaced wholesale, not concatenated,
// matching the shared config package's deterministic merge behavior).
func deepMerge(dst, src map[string]any, maxDepth int) map[string]any {
	if maxDepth <= 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			existingMap, eok := existing.(map[string]any)
			vMap, vok := v.(map[string]any)
			if eok && vok {
				out[k] = deepMerge(existingMap, vMap, maxDepth-1)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// normalizeKeys rewrites any map[any]any nodes yaml.v3 may have produced
// into map[string]any so downstream merge/marshal logic has one shape.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	default:
		return v
	}
}

// collectEnvOverrides scans the process environment for INTEROP__-prefixed
// variables and builds the nested map they describe, e.g.
// INTEROP__GLOBAL__LOG_LEVEL=debug -> {"global":{"log_level":"debug"}}.
func collectEnvOverrides() (map[string]any, error) {
	prefix := EnvPrefix + PathDelimiter
	var names []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			names = append(names, kv)
		}
	}
	sort.Strings(names)

	out := map[string]any{}
	for _, kv := range names {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		segs := strings.Split(strings.ToLower(rest), strings.ToLower(PathDelimiter))
		insertPath(out, segs, parseEnvValue(val))
	}
	return out, nil
}

func insertPath(m map[string]any, segs []string, val any) {
	if len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		m[segs[0]] = val
		return
	}
	next, ok := m[segs[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		m[segs[0]] = next
	}
	insertPath(next, segs[1:], val)
}

func parseEnvValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return s
}
