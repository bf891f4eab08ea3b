package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and JSON unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts duration strings or plain numbers interpreted as seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
		return nil
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
		return nil
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unsupported duration value %v", raw)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		d.Duration = time.Duration(seconds * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// ValueKind describes the primitive type stored inside a property.
type ValueKind string

const (
	// ValueKindBool represents boolean values.
	ValueKindBool ValueKind = "bool"
	// ValueKindFloat represents floating point numbers.
	ValueKindFloat ValueKind = "float"
	// ValueKindInt represents signed integer values.
	ValueKindInt ValueKind = "int"
	// ValueKindString represents plain UTF-8 strings.
	ValueKindString ValueKind = "string"
	// ValueKindFloatPoint represents a two dimensional (y, x) point.
	ValueKindFloatPoint ValueKind = "float_point"
)

// Valid reports whether the kind is one of the supported property kinds.
func (k ValueKind) Valid() bool {
	switch k {
	case ValueKindBool, ValueKindFloat, ValueKindInt, ValueKindString, ValueKindFloatPoint:
		return true
	}
	return false
}

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModuleInclude describes a referenced configuration module.
type ModuleInclude struct {
	Path        string `json:"path"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnmarshalYAML allows module includes to be declared either as scalar strings or structured objects.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("module include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type rawModule struct {
			Path        string `yaml:"path"`
			Name        string `yaml:"name"`
			Description string `yaml:"description"`
		}
		var raw rawModule
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode module include: %w", err)
		}
		if raw.Path == "" {
			return errors.New("module include missing path")
		}
		m.Path = raw.Path
		m.Name = raw.Name
		m.Description = raw.Description
		return nil
	default:
		return fmt.Errorf("unsupported module include node kind %d", value.Kind)
	}
}

// UnmarshalJSON mirrors UnmarshalYAML for CUE sourced configuration.
func (m *ModuleInclude) UnmarshalJSON(b []byte) error {
	var path string
	if err := json.Unmarshal(b, &path); err == nil {
		m.Path = strings.TrimSpace(path)
		return nil
	}
	type rawModule ModuleInclude
	var raw rawModule
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode module include: %w", err)
	}
	if raw.Path == "" {
		return errors.New("module include missing path")
	}
	*m = ModuleInclude(raw)
	return nil
}

// ControlInputConfig wires the output of another control into a control with a weight.
type ControlInputConfig struct {
	Control string  `yaml:"control" json:"control"`
	Weight  float64 `yaml:"weight" json:"weight"`
}

// ControlConfig declares a control of an instrument.
type ControlConfig struct {
	Name        string               `yaml:"name" json:"name"`
	Value       float64              `yaml:"value,omitempty" json:"value,omitempty"`
	Units       string               `yaml:"units,omitempty" json:"units,omitempty"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []ControlInputConfig `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// PropertyConfig declares a typed property slot.
type PropertyConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Type        ValueKind   `yaml:"type" json:"type"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// ConfirmConfig overrides the default confirmation behaviour of SetControlOutput.
type ConfirmConfig struct {
	ToleranceFactor float64  `yaml:"tolerance_factor,omitempty" json:"tolerance_factor,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PollInterval    Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

// InstrumentConfig describes an instrument with its controls and properties.
type InstrumentConfig struct {
	ID             string                 `yaml:"id" json:"id"`
	Name           string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Driver         string                 `yaml:"driver,omitempty" json:"driver,omitempty"`
	DriverSettings map[string]interface{} `yaml:"driver_settings,omitempty" json:"driver_settings,omitempty"`
	Controls       []ControlConfig        `yaml:"controls,omitempty" json:"controls,omitempty"`
	Properties     []PropertyConfig       `yaml:"properties,omitempty" json:"properties,omitempty"`
	Confirm        ConfirmConfig          `yaml:"confirm,omitempty" json:"confirm,omitempty"`
	Source         ModuleReference        `yaml:"-" json:"-"`
}

// ChannelConfig describes one acquisition channel of a hardware source.
type ChannelConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// HardwareSourceConfig describes an acquisition device.
type HardwareSourceConfig struct {
	ID              string                   `yaml:"id" json:"id"`
	Name            string                   `yaml:"name,omitempty" json:"name,omitempty"`
	Driver          string                   `yaml:"driver,omitempty" json:"driver,omitempty"`
	DriverSettings  map[string]interface{}   `yaml:"driver_settings,omitempty" json:"driver_settings,omitempty"`
	Channels        []ChannelConfig          `yaml:"channels,omitempty" json:"channels,omitempty"`
	FrameParameters map[string]interface{}   `yaml:"frame_parameters,omitempty" json:"frame_parameters,omitempty"`
	Profiles        []map[string]interface{} `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	ProfileIndex    int                      `yaml:"profile_index,omitempty" json:"profile_index,omitempty"`
	Properties      []PropertyConfig         `yaml:"properties,omitempty" json:"properties,omitempty"`
	GrabTimeout     Duration                 `yaml:"grab_timeout,omitempty" json:"grab_timeout,omitempty"`
	Source          ModuleReference          `yaml:"-" json:"-"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	URL     string            `yaml:"url" json:"url"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki,omitempty"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// NotifyConfig configures the MQTT change notification publisher.
type NotifyConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty" json:"topic_prefix,omitempty"`
	QoS         byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain      bool   `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// TaskQueueConfig sizes the queue used by API.QueueTask.
type TaskQueueConfig struct {
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name            string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Description     string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Logging         LoggingConfig          `yaml:"logging" json:"logging,omitempty"`
	Telemetry       TelemetryConfig        `yaml:"telemetry" json:"telemetry,omitempty"`
	Notify          NotifyConfig           `yaml:"notify" json:"notify,omitempty"`
	Queue           TaskQueueConfig        `yaml:"queue,omitempty" json:"queue,omitempty"`
	Modules         []ModuleInclude        `yaml:"modules" json:"modules,omitempty"`
	Instruments     []InstrumentConfig     `yaml:"instruments" json:"instruments,omitempty"`
	HardwareSources []HardwareSourceConfig `yaml:"hardware_sources" json:"hardware_sources,omitempty"`
	HotReload       bool                   `yaml:"hot_reload,omitempty" json:"hot_reload,omitempty"`
	Source          ModuleReference        `yaml:"-" json:"-"`
}

// Load reads and decodes the configuration file or directory from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		cfg, err = decodeCUE(path, raw)
	default:
		cfg, err = decodeYAML(path, raw)
	}
	if err != nil {
		return nil, err
	}

	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})

	modules := cfg.Modules
	cfg.Modules = nil

	baseDir := filepath.Dir(path)
	for _, module := range modules {
		if module.Path == "" {
			continue
		}
		modulePath := module.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, module.Path)
		}
		info, err := os.Stat(modulePath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		var child *Config
		if info.IsDir() {
			child, err = loadDir(modulePath, visited)
		} else {
			child, err = loadFile(modulePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		child.applyModuleMetadata(ModuleReference{Name: module.Name, Description: module.Description})
		mergeConfig(cfg, child)
	}
	return cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{Source: ModuleReference{File: path}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".cue":
		default:
			continue
		}
		child, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(result, child)
	}
	return result, nil
}

func decodeYAML(path string, raw []byte) (*Config, error) {
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}
	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// DecodeSettings converts a generic driver_settings mapping into a typed settings struct.
func DecodeSettings(raw map[string]interface{}, target interface{}) error {
	if target == nil {
		return errors.New("settings target must not be nil")
	}
	if len(raw) == 0 {
		return nil
	}
	encoded, err := json.Marshal(normalizeValue(raw))
	if err != nil {
		return fmt.Errorf("encode driver settings: %w", err)
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return fmt.Errorf("decode driver settings: %w", err)
	}
	return nil
}

// normalizeValue rewrites map[interface{}]interface{} nodes so values can be JSON encoded.
func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = normalizeValue(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}

// Validate performs structural checks that do not require building the runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	instruments := make(map[string]struct{}, len(c.Instruments))
	for _, inst := range c.Instruments {
		if err := ensureIdentifier(inst.ID, "instrument"); err != nil {
			return err
		}
		if _, ok := instruments[inst.ID]; ok {
			return fmt.Errorf("duplicate instrument id %q", inst.ID)
		}
		instruments[inst.ID] = struct{}{}
		controls := make(map[string]struct{}, len(inst.Controls))
		for _, ctrl := range inst.Controls {
			if err := ensureIdentifier(ctrl.Name, "control"); err != nil {
				return fmt.Errorf("instrument %s: %w", inst.ID, err)
			}
			if _, ok := controls[ctrl.Name]; ok {
				return fmt.Errorf("instrument %s: duplicate control %q", inst.ID, ctrl.Name)
			}
			controls[ctrl.Name] = struct{}{}
		}
		for _, ctrl := range inst.Controls {
			for _, input := range ctrl.Inputs {
				if _, ok := controls[input.Control]; !ok {
					return fmt.Errorf("instrument %s: control %s references unknown input %q", inst.ID, ctrl.Name, input.Control)
				}
			}
		}
		if err := validateProperties(inst.Properties); err != nil {
			return fmt.Errorf("instrument %s: %w", inst.ID, err)
		}
		if inst.Confirm.ToleranceFactor < 0 {
			return fmt.Errorf("instrument %s: confirm tolerance factor must not be negative", inst.ID)
		}
	}

	sources := make(map[string]struct{}, len(c.HardwareSources))
	for _, src := range c.HardwareSources {
		if err := ensureIdentifier(src.ID, "hardware source"); err != nil {
			return err
		}
		if _, ok := sources[src.ID]; ok {
			return fmt.Errorf("duplicate hardware source id %q", src.ID)
		}
		sources[src.ID] = struct{}{}
		if src.ProfileIndex < 0 || (len(src.Profiles) > 0 && src.ProfileIndex >= len(src.Profiles)) {
			return fmt.Errorf("hardware source %s: profile index %d out of range", src.ID, src.ProfileIndex)
		}
		if err := validateProperties(src.Properties); err != nil {
			return fmt.Errorf("hardware source %s: %w", src.ID, err)
		}
	}
	return nil
}

func validateProperties(props []PropertyConfig) error {
	seen := make(map[string]struct{}, len(props))
	for _, prop := range props {
		if err := ensureIdentifier(prop.Name, "property"); err != nil {
			return err
		}
		if _, ok := seen[prop.Name]; ok {
			return fmt.Errorf("duplicate property %q", prop.Name)
		}
		seen[prop.Name] = struct{}{}
		if !prop.Type.Valid() {
			return fmt.Errorf("property %s: unsupported type %q", prop.Name, prop.Type)
		}
	}
	return nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Notify != (NotifyConfig{}) {
		dst.Notify = src.Notify
	}
	if src.Queue.Capacity != 0 {
		dst.Queue = src.Queue
	}
	if src.HotReload {
		dst.HotReload = true
	}
	dst.Instruments = append(dst.Instruments, src.Instruments...)
	dst.HardwareSources = append(dst.HardwareSources, src.HardwareSources...)
}

func (c *Config) setSource(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = meta
	for i := range c.Instruments {
		c.Instruments[i].Source = mergeInitialSource(c.Instruments[i].Source, meta)
	}
	for i := range c.HardwareSources {
		c.HardwareSources[i].Source = mergeInitialSource(c.HardwareSources[i].Source, meta)
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = mergeModuleOverride(c.Source, meta)
	for i := range c.Instruments {
		c.Instruments[i].Source = mergeModuleOverride(c.Instruments[i].Source, meta)
	}
	for i := range c.HardwareSources {
		c.HardwareSources[i].Source = mergeModuleOverride(c.HardwareSources[i].Source, meta)
	}
}

func mergeInitialSource(child, meta ModuleReference) ModuleReference {
	if child.File == "" {
		child.File = meta.File
	}
	if child.Name == "" {
		child.Name = meta.Name
	}
	if child.Description == "" {
		child.Description = meta.Description
	}
	return child
}

func mergeModuleOverride(base, override ModuleReference) ModuleReference {
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Description != "" {
		base.Description = override.Description
	}
	return base
}
