package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models careline.yml: the facility's SLA, override, emergency and
// brain-table policy. Rule content beyond the transition table lives with the
// clinical side; this config only carries what the engine enforces.
type Config struct {
	Facility struct {
		ID string `yaml:"id"`
	} `yaml:"facility"`
	SLA struct {
		GraceMinutes  int            `yaml:"grace_minutes"`
		ResponseHours map[string]int `yaml:"response_hours"`
		MaxLevel      int            `yaml:"max_level"`
	} `yaml:"sla"`
	Tasks struct {
		AllowEarlyStart bool `yaml:"allow_early_start"`
	} `yaml:"tasks"`
	Emergency struct {
		CompatibleStates []string `yaml:"compatible_states"`
	} `yaml:"emergency"`
	Overrides OverridePolicy `yaml:"overrides"`
	Roles     struct {
		Supervisor []string `yaml:"supervisor"`
	} `yaml:"roles"`
	Brain struct {
		Transitions map[string][]string `yaml:"transitions"`
		Rules       []BrainRule         `yaml:"rules"`
	} `yaml:"brain"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// OverridePolicy caps how often a single actor may force through a claim
// collision, and when supervisors get told about it.
type OverridePolicy struct {
	MaxPerActorPerHour    int `yaml:"max_per_actor_per_hour"`
	SupervisorNotifyAfter int `yaml:"supervisor_notify_after"`
}

// BrainRule is a named deny rule evaluated on top of the transition table.
type BrainRule struct {
	ID      string   `yaml:"id"`
	From    []string `yaml:"from"`
	To      []string `yaml:"to"`
	Message string   `yaml:"message"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Enabled *bool    `yaml:"enabled"`
	Actions []string `yaml:"actions"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.SLA.GraceMinutes <= 0 {
		return fmt.Errorf("config.sla.grace_minutes must be positive")
	}
	if len(c.SLA.ResponseHours) == 0 {
		return fmt.Errorf("config.sla.response_hours is required")
	}
	for _, p := range []string{"low", "medium", "high", "critical"} {
		if h, ok := c.SLA.ResponseHours[p]; !ok || h <= 0 {
			return fmt.Errorf("config.sla.response_hours.%s must be a positive hour count", p)
		}
	}
	if c.SLA.MaxLevel <= 0 {
		return fmt.Errorf("config.sla.max_level must be positive")
	}
	if len(c.Emergency.CompatibleStates) == 0 {
		return fmt.Errorf("config.emergency.compatible_states is required")
	}
	if c.Overrides.MaxPerActorPerHour < 0 || c.Overrides.SupervisorNotifyAfter < 0 {
		return fmt.Errorf("config.overrides limits must not be negative")
	}
	if len(c.Brain.Transitions) == 0 {
		return fmt.Errorf("config.brain.transitions is required")
	}
	for from, tos := range c.Brain.Transitions {
		if from == "" {
			return fmt.Errorf("config.brain.transitions contains empty state")
		}
		for _, to := range tos {
			if to == "" {
				return fmt.Errorf("config.brain.transitions.%s contains empty target", from)
			}
		}
	}
	seen := map[string]bool{}
	for _, rule := range c.Brain.Rules {
		if rule.ID == "" {
			return fmt.Errorf("config.brain.rules contains rule without id")
		}
		if seen[rule.ID] {
			return fmt.Errorf("config.brain.rules has duplicate id %s", rule.ID)
		}
		seen[rule.ID] = true
	}
	return nil
}

// ResponseHoursFor returns the SLA response window for a priority, falling
// back to the medium window for unknown values.
func (c *Config) ResponseHoursFor(priority string) int {
	if h, ok := c.SLA.ResponseHours[priority]; ok {
		return h
	}
	return c.SLA.ResponseHours["medium"]
}

// EmergencyCompatible reports whether a care state may be entered while the
// resident's emergency flag is active.
func (c *Config) EmergencyCompatible(state string) bool {
	for _, s := range c.Emergency.CompatibleStates {
		if s == state {
			return true
		}
	}
	return false
}

// SupervisorRole reports whether the role carries supervisor privilege.
func (c *Config) SupervisorRole(role string) bool {
	for _, r := range c.Roles.Supervisor {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
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

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	cfg.Facility.ID = facilityID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, facilityID))).Decode(&cfg)
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

const defaultTemplate = `facility:
  id: %s

sla:
  grace_minutes: 15
  response_hours:
    low: 8
    medium: 4
    high: 2
    critical: 1
  max_level: 3

tasks:
  allow_early_start: true

emergency:
  compatible_states: [paused, idle]

overrides:
  max_per_actor_per_hour: 5
  supervisor_notify_after: 3

roles:
  supervisor: [supervisor, charge_nurse]

brain:
  transitions:
    idle: [preparing]
    preparing: [in_care, idle]
    in_care: [paused, completing]
    paused: [in_care, completing]
    completing: [idle]
  rules:
    - id: care.no_restart_while_completing
      from: [completing]
      to: [preparing, in_care]
      message: "care round is completing; start a new round from idle"
`
