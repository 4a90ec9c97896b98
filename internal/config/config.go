package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models siteline.yml, the per-project settlement policy document.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Escrow struct {
		// RequireFunding disables virtual funding at award: payments can
		// only settle against explicitly deposited escrow.
		RequireFunding bool `yaml:"require_funding"`
	} `yaml:"escrow"`
	Milestones struct {
		// EnforceOrder blocks review/approval of a milestone while a
		// lower-numbered one is not yet approved.
		EnforceOrder bool `yaml:"enforce_order"`
	} `yaml:"milestones"`
	Disputes struct {
		Stages []string `yaml:"stages"`
	} `yaml:"disputes"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "construction-project" {
		return fmt.Errorf("config.project.kind must be 'construction-project'")
	}
	if len(c.Disputes.Stages) == 0 {
		return fmt.Errorf("config.disputes.stages is required")
	}
	seen := map[string]bool{}
	for _, stage := range c.Disputes.Stages {
		if stage == "" {
			return fmt.Errorf("config.disputes.stages contains empty stage")
		}
		if seen[stage] {
			return fmt.Errorf("config.disputes.stages contains duplicate stage %s", stage)
		}
		seen[stage] = true
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StageIndex returns the position of a stage in the escalation ladder, or -1.
func (c *Config) StageIndex(stage string) int {
	for i, s := range c.Disputes.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "construction-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// CloneFor copies the config and rebinds it to the given project, so the
// snapshot persisted per project is independent of the workspace config.
func (c *Config) CloneFor(projectID string) *Config {
	if c == nil {
		return Default(projectID)
	}
	clone := *c
	clone.Project.ID = projectID
	clone.Disputes.Stages = append([]string(nil), c.Disputes.Stages...)
	clone.Webhooks = append([]WebhookConfig(nil), c.Webhooks...)
	return &clone
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: construction-project

escrow:
  # When true, payments can only settle against explicitly deposited funds.
  # The default mirrors the marketplace behavior: escrow is treated as
  # virtually funded to the contract total at award time.
  require_funding: false

milestones:
  # Order numbers are advisory for display; flip this on to require
  # milestones to be reviewed and approved strictly in order.
  enforce_order: false

disputes:
  stages: [internal, mediation, arbitration]
`
