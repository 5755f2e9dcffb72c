package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Command is the executable and arguments a definition step runs.
type Command struct {
	Tool string   `yaml:"tool" json:"tool"`
	Args []string `yaml:"args" json:"args"`
}

// DefinitionStep is one declared script step.
type DefinitionStep struct {
	Name string

	// Run is nil for steps that only document intent; they are skipped.
	Run *Command

	Env     map[string]string
	Timeout time.Duration
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (s DefinitionStep) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Definition is a parsed pipeline-definition file.
type Definition struct {
	Name  string
	Steps []DefinitionStep

	// Digest is a short BLAKE3 fingerprint of the file contents.
	Digest string
}

type rawStep struct {
	Name    string            `yaml:"name" json:"name"`
	Run     *Command          `yaml:"run" json:"run"`
	Command *Command          `yaml:"command" json:"command"`
	Env     map[string]string `yaml:"env" json:"env"`
	Timeout string            `yaml:"timeout" json:"timeout"`
}

type rawJob struct {
	Name   string    `yaml:"name" json:"name"`
	Steps  []rawStep `yaml:"steps" json:"steps"`
	Stages []rawStep `yaml:"stages" json:"stages"`
}

func (j *rawJob) steps() []rawStep {
	if len(j.Steps) > 0 {
		return j.Steps
	}
	return j.Stages
}

type rawDefinition struct {
	rawJob `yaml:",inline"`
	Job    *rawJob `yaml:"job" json:"job"`
}

// ParseDefinition reads a pipeline-definition file. Files ending in .json or .jsonc
// are parsed as JSON with comments, anything else as YAML.
func ParseDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pipeline definition %q: %w", ErrConfiguration, filepath.Base(path), err)
	}
	return DecodeDefinition(path, data)
}

// DecodeDefinition parses data in the format implied by name's extension.
func DecodeDefinition(name string, data []byte) (*Definition, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		return ParseDefinitionJSON(data)
	}
	return ParseDefinitionYAML(data)
}

// ParseDefinitionYAML parses a YAML pipeline definition.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse pipeline definition: %w", ErrConfiguration, err)
	}
	return newDefinition(raw, data)
}

// ParseDefinitionJSON parses a JSON pipeline definition, allowing comments and trailing commas.
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse pipeline definition: %w", ErrConfiguration, err)
	}
	return newDefinition(raw, data)
}

func newDefinition(raw rawDefinition, data []byte) (*Definition, error) {
	sum := blake3.Sum256(data)
	def := &Definition{
		Name:   raw.Name,
		Digest: hex.EncodeToString(sum[:8]),
	}

	steps := raw.steps()
	if raw.Job != nil {
		if def.Name == "" {
			def.Name = raw.Job.Name
		}
		if len(steps) == 0 {
			steps = raw.Job.steps()
		}
	}

	for i, rs := range steps {
		step := DefinitionStep{
			Name: rs.Name,
			Run:  rs.Run,
			Env:  rs.Env,
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("Step %d", i+1)
		}
		if step.Run == nil {
			step.Run = rs.Command
		}
		if step.Run != nil && strings.TrimSpace(step.Run.Tool) == "" {
			return nil, fmt.Errorf("%w: step %q has a run command without a tool", ErrConfiguration, step.Name)
		}
		if rs.Timeout != "" {
			timeout, err := time.ParseDuration(rs.Timeout)
			if err != nil || timeout <= 0 {
				return nil, fmt.Errorf("%w: step %q has invalid timeout %q", ErrConfiguration, step.Name, rs.Timeout)
			}
			step.Timeout = timeout
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}
