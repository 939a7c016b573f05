package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"planline/internal/status"
)

// Config models planline.yml. One config describes a review board
// deployment: who reviews each stage and where events get pushed.
type Config struct {
	Board struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"board"`
	// Reviewers maps a review role to its roster of actor ids. Assignee
	// resolution picks from here when a project enters the role's stage.
	Reviewers map[string][]string `yaml:"reviewers"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Board.ID == "" {
		return fmt.Errorf("config.board.id is required")
	}
	if len(c.Reviewers) == 0 {
		return fmt.Errorf("config.reviewers is required")
	}
	for role, roster := range c.Reviewers {
		if reviewStageFor(role) == "" {
			return fmt.Errorf("config.reviewers contains unknown review role %s", role)
		}
		if len(roster) == 0 {
			return fmt.Errorf("config.reviewers.%s has an empty roster", role)
		}
		for _, id := range roster {
			if id == "" {
				return fmt.Errorf("config.reviewers.%s contains an empty actor id", role)
			}
		}
	}
	for roleID := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func reviewStageFor(role string) status.Status {
	switch status.Role(role) {
	case status.RoleArchitect:
		return status.UnderArchitectReview
	case status.RoleEngineer:
		return status.UnderEngineerReview
	case status.RoleRegulator:
		return status.UnderRegulatorReview
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
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

// Default returns the default Config struct for a board.
func Default(boardID string) *Config {
	var cfg Config
	cfg.Board.ID = boardID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, boardID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `board:
  id: %s
  name: City Planning Board

reviewers:
  architect: [architect-1]
  engineer: [engineer-1]
  regulator: [regulator-1]

rbac:
  roles:
    architect:
      description: "Reviews layout and design"
    engineer:
      description: "Reviews structural soundness"
    regulator:
      description: "Final regulatory sign-off"
    admin:
      description: "May override stage ownership"
`
