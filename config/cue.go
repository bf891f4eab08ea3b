package config

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSource constrains CUE configuration files. A CUE file exposes its
// configuration under a top-level `config` field which is unified with #Config.
const schemaSource = `
#Duration: string | number

#Property: {
	name:         string
	type:         "bool" | "float" | "int" | "string" | "float_point"
	default?:     _
	description?: string
}

#Control: {
	name:         string
	value?:       number
	units?:       string
	description?: string
	inputs?: [...{
		control: string
		weight:  number
	}]
}

#Instrument: {
	id:               string
	name?:            string
	driver?:          string
	driver_settings?: {...}
	controls?: [...#Control]
	properties?: [...#Property]
	confirm?: {
		tolerance_factor?: number & >=0
		timeout?:          #Duration
		poll_interval?:    #Duration
	}
}

#HardwareSource: {
	id:               string
	name?:            string
	driver?:          string
	driver_settings?: {...}
	channels?: [...{
		id:       string
		name?:    string
		enabled?: bool
	}]
	frame_parameters?: {...}
	profiles?: [...{...}]
	profile_index?: int & >=0
	properties?: [...#Property]
	grab_timeout?: #Duration
}

#Config: {
	name?:        string
	description?: string
	logging?: {
		level?:  string
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	notify?: {
		enabled?:      bool
		broker?:       string
		client_id?:    string
		topic_prefix?: string
		qos?:          int & >=0 & <=2
		retain?:       bool
	}
	queue?: capacity?: int & >=0
	modules?: [...(string | {path: string, name?: string, description?: string})]
	instruments?: [...#Instrument]
	hardware_sources?: [...#HardwareSource]
	hot_reload?: bool
}
`

func decodeCUE(path string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.CompileBytes(raw, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile config %s: %w", path, err)
	}
	root := value.LookupPath(cue.ParsePath("config"))
	if !root.Exists() {
		return nil, fmt.Errorf("config %s: missing top-level config field", path)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(root)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	encoded, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}
