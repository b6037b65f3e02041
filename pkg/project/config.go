// Package project loads the xforge.yaml project description: package
// metadata plus the declared build tasks, parameterized by target triple.
package project

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"xforge/pkg/pipeline"
	"xforge/pkg/target"
)

// DefaultFile is the project file name looked up in the working directory.
const DefaultFile = "xforge.yaml"

// Config is the parsed project file.
type Config struct {
	Name       string     `yaml:"name"`
	Identifier string     `yaml:"identifier"`
	Version    string     `yaml:"version"`
	EntryPoint string     `yaml:"entrypoint"`
	Tasks      []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task declaration. Paths and the command may reference
// ${triple}, ${platform}, ${arch}, ${opt}, and ${name}, substituted per
// build profile.
type TaskSpec struct {
	Name    string            `yaml:"name"`
	Inputs  []string          `yaml:"inputs"`
	Outputs []string          `yaml:"outputs"`
	Run     string            `yaml:"run"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// Load reads and validates a project file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.EntryPoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if strings.TrimSpace(t.Run) == "" {
			return fmt.Errorf("task %q has no run command", t.Name)
		}
	}
	return nil
}

// BuildTasks expands the task declarations for one build profile.
func (c *Config) BuildTasks(profile target.Profile) []pipeline.Task {
	expand := expander(c.Name, profile)
	tasks := make([]pipeline.Task, 0, len(c.Tasks))
	for _, spec := range c.Tasks {
		t := pipeline.Task{
			Name: spec.Name,
			Argv: strings.Fields(expand(spec.Run)),
			Dir:  spec.Dir,
		}
		for _, in := range spec.Inputs {
			t.Inputs = append(t.Inputs, expand(in))
		}
		for _, out := range spec.Outputs {
			t.Outputs = append(t.Outputs, expand(out))
		}
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.Env = append(t.Env, k+"="+expand(spec.Env[k]))
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func expander(name string, profile target.Profile) func(string) string {
	r := strings.NewReplacer(
		"${triple}", profile.Triple(),
		"${platform}", string(profile.Platform),
		"${arch}", string(profile.Arch),
		"${opt}", string(profile.Opt),
		"${name}", name,
	)
	return r.Replace
}
