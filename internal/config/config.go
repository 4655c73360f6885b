package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pcp.yml.
type Config struct {
	Roles struct {
		// Schedulers may create schedule entries.
		Schedulers []string `yaml:"schedulers"`
		// Approvers decide APROVADA / REJEITADA.
		Approvers []string `yaml:"approvers"`
		// Overrides may assign collaborators from outside the entry's sector.
		Overrides []string `yaml:"overrides"`
	} `yaml:"roles"`
	Reports struct {
		Efficiency EfficiencyWeights `yaml:"efficiency"`
	} `yaml:"reports"`
	Notifications Notifications `yaml:"notifications"`
	Directory     struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"directory"`
}

type EfficiencyWeights struct {
	OnTime float64 `yaml:"on_time"`
	Rework float64 `yaml:"rework"`
}

type Notifications struct {
	Log            bool      `yaml:"log"`
	PoolSize       int       `yaml:"pool_size"`
	QueueSize      int       `yaml:"queue_size"`
	TimeoutSeconds int       `yaml:"timeout_seconds"`
	Webhooks       []Webhook `yaml:"webhooks"`
	NATS           struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

type Webhook struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Events restricts delivery to these kinds; empty means all.
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Timeout returns the per-delivery timeout.
func (n Notifications) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, roles := range map[string][]string{
		"schedulers": c.Roles.Schedulers,
		"approvers":  c.Roles.Approvers,
		"overrides":  c.Roles.Overrides,
	} {
		for _, r := range roles {
			if strings.TrimSpace(r) == "" {
				return fmt.Errorf("config.roles.%s contains empty role", name)
			}
		}
	}
	w := c.Reports.Efficiency
	if w.OnTime < 0 || w.Rework < 0 {
		return fmt.Errorf("config.reports.efficiency weights must be non-negative")
	}
	if math.Abs(w.OnTime+w.Rework-1) > 1e-9 {
		return fmt.Errorf("config.reports.efficiency weights must sum to 1, got %.3f", w.OnTime+w.Rework)
	}
	if c.Notifications.PoolSize < 0 {
		return fmt.Errorf("config.notifications.pool_size must be >= 0")
	}
	if c.Notifications.QueueSize < 0 {
		return fmt.Errorf("config.notifications.queue_size must be >= 0")
	}
	seen := map[string]bool{}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be http(s)", i)
		}
		if wh.Name != "" {
			if seen[wh.Name] {
				return fmt.Errorf("config.notifications.webhooks has duplicate name %s", wh.Name)
			}
			seen[wh.Name] = true
		}
	}
	if c.Notifications.NATS.URL != "" && c.Notifications.NATS.SubjectPrefix == "" {
		return fmt.Errorf("config.notifications.nats.subject_prefix is required when nats.url is set")
	}
	if c.Directory.CacheSize < 0 {
		return fmt.Errorf("config.directory.cache_size must be >= 0")
	}
	return nil
}

// HasRole reports whether role is listed. An empty list admits everyone.
func HasRole(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, role)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pcp.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `roles:
  schedulers: [PCP, ADMIN]
  approvers: [SUPERVISOR, ADMIN]
  overrides: [ADMIN]

reports:
  efficiency:
    on_time: 0.7
    rework: 0.3

notifications:
  log: true
  pool_size: 8
  queue_size: 256
  timeout_seconds: 5
  webhooks: []
  nats:
    url: ""
    subject_prefix: pcp.notify

directory:
  cache_size: 512
`
