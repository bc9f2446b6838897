package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"callsync/telephony"
	"callsync/workflow"
)

// Duration reads Go duration strings ("15m", "48h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// WorkflowOverride changes selected fields of a default definition. Nil
// fields keep the default.
type WorkflowOverride struct {
	Enabled     *bool     `yaml:"enabled"`
	Description *string   `yaml:"description"`
	Interval    *Duration `yaml:"interval"`
	Offset      *Duration `yaml:"offset"`
	Lookback    *Duration `yaml:"lookback"`
	DelayBuffer *Duration `yaml:"delay_buffer"`
	MaxWait     *Duration `yaml:"max_wait"`
	CallTimeout *Duration `yaml:"call_timeout"`
	MaxAttempts *int      `yaml:"max_attempts"`
	Concurrency *int      `yaml:"concurrency"`
}

type workflowsFile struct {
	Workflows map[string]WorkflowOverride `yaml:"workflows"`
}

// ParseWorkflowOverrides decodes a workflows file. Unknown fields and
// unknown workflow kinds are errors.
func ParseWorkflowOverrides(r io.Reader) (map[telephony.Kind]WorkflowOverride, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file workflowsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode workflows: %w", err)
	}

	out := make(map[telephony.Kind]WorkflowOverride, len(file.Workflows))
	for name, o := range file.Workflows {
		kind, err := telephony.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("config: workflows: %w", err)
		}
		out[kind] = o
	}
	return out, nil
}

func loadWorkflowOverrides(path string) (map[telephony.Kind]WorkflowOverride, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseWorkflowOverrides(bytes.NewReader(raw))
}

// Apply returns def with the override's fields set.
func (o WorkflowOverride) Apply(def workflow.Definition) workflow.Definition {
	if o.Enabled != nil {
		def.Enabled = *o.Enabled
	}
	if o.Description != nil {
		def.Description = *o.Description
	}
	setDuration(&def.Interval, o.Interval)
	setDuration(&def.Offset, o.Offset)
	setDuration(&def.Lookback, o.Lookback)
	setDuration(&def.DelayBuffer, o.DelayBuffer)
	setDuration(&def.MaxWait, o.MaxWait)
	setDuration(&def.CallTimeout, o.CallTimeout)
	if o.MaxAttempts != nil {
		def.MaxAttempts = *o.MaxAttempts
	}
	if o.Concurrency != nil {
		def.Concurrency = *o.Concurrency
	}
	return def
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

// Definitions builds the workflow definitions: defaults, then the
// process-wide settings, then WORKFLOWS_FILE overrides.
func (c Config) Definitions() ([]workflow.Definition, error) {
	overrides := map[telephony.Kind]WorkflowOverride{}
	if c.WorkflowsFile != "" {
		var err error
		if overrides, err = loadWorkflowOverrides(c.WorkflowsFile); err != nil {
			return nil, err
		}
	}
	return c.definitions(overrides)
}

func (c Config) definitions(overrides map[telephony.Kind]WorkflowOverride) ([]workflow.Definition, error) {
	defs := workflow.DefaultDefinitions()
	for i, def := range defs {
		if c.CallTimeout > 0 {
			def.CallTimeout = c.CallTimeout
		}
		if c.WorkflowConcurrency > 0 {
			def.Concurrency = c.WorkflowConcurrency
		}
		if o, ok := overrides[def.Kind]; ok {
			def = o.Apply(def)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defs[i] = def
	}
	return defs, nil
}
