package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
)

var validate = validator.New()

// Config models stagegate.yml.
type Config struct {
	Companies map[string]Company `yaml:"companies"`
	Currency  struct {
		Base  string            `yaml:"base"`
		Rates map[string][]Rate `yaml:"rates"`
		// MinorUnits is the number of decimals of a currency's minor unit
		// (JPY: 0, KWD: 3). Unlisted currencies use 2.
		MinorUnits map[string]int `yaml:"minor_units"`
	} `yaml:"currency"`
	Directory struct {
		Employees   []domain.Employee   `yaml:"employees"`
		Departments []domain.Department `yaml:"departments"`
	} `yaml:"directory"`
	Templates []domain.TemplateSpec `yaml:"templates"`
	Logging   Logging               `yaml:"logging"`
	Metrics   Metrics               `yaml:"metrics"`
	Webhooks  []Webhook             `yaml:"webhooks"`
}

type Company struct {
	Currency string `yaml:"currency"`
}

// Rate is the value of one unit of a currency in the base currency, effective from Date.
type Rate struct {
	Date  string  `yaml:"date"`
	Value float64 `yaml:"rate"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled defaults to true when enabled is omitted.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sg config show > stagegate.yml", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for id, co := range c.Companies {
		if id == "" {
			return fmt.Errorf("config.companies contains empty company id")
		}
		if co.Currency == "" {
			return fmt.Errorf("company %s has no currency", id)
		}
	}
	if len(c.Currency.Rates) > 0 && c.Currency.Base == "" {
		return fmt.Errorf("config.currency.base is required when rates are set")
	}
	for cur, rates := range c.Currency.Rates {
		if cur == "" {
			return fmt.Errorf("config.currency.rates contains empty currency code")
		}
		for _, r := range rates {
			if _, err := time.Parse(time.DateOnly, r.Date); err != nil {
				return fmt.Errorf("rate for %s has invalid date %q", cur, r.Date)
			}
			if r.Value <= 0 {
				return fmt.Errorf("rate for %s on %s must be positive", cur, r.Date)
			}
		}
	}
	for cur, n := range c.Currency.MinorUnits {
		if n < 0 || n > 4 {
			return fmt.Errorf("config.currency.minor_units.%s must be between 0 and 4", cur)
		}
	}
	seen := map[string]bool{}
	for _, e := range c.Directory.Employees {
		if e.ID == "" {
			return fmt.Errorf("config.directory.employees contains empty id")
		}
		if seen[e.ID] {
			return fmt.Errorf("employee %s declared twice", e.ID)
		}
		seen[e.ID] = true
	}
	for _, d := range c.Directory.Departments {
		if d.ID == "" {
			return fmt.Errorf("config.directory.departments contains empty id")
		}
	}
	for i, t := range c.Templates {
		if err := ValidateTemplate(t); err != nil {
			return fmt.Errorf("config.templates[%d]: %w", i, err)
		}
		if len(c.Companies) > 0 {
			if _, ok := c.Companies[t.CompanyID]; !ok {
				return fmt.Errorf("template %s references unknown company %s", t.Name, t.CompanyID)
			}
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %s has no url", w.ID)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s has negative timeout", w.ID)
		}
	}
	return nil
}

// ValidateTemplate checks a template definition's shape. Approver sets that
// only become empty after dynamic resolution are caught at submission.
func ValidateTemplate(t domain.TemplateSpec) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// CompanyCurrency returns the reference currency configured for a company.
func (c *Config) CompanyCurrency(companyID string) string {
	if c == nil {
		return ""
	}
	if co, ok := c.Companies[companyID]; ok {
		return co.Currency
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the built-in Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `companies:
  default:
    currency: USD

currency:
  base: USD
  rates: {}
  minor_units: {}

directory:
  employees: []
  departments: []

templates: []

logging:
  level: info
  format: console

metrics:
  enabled: true
  namespace: stagegate

webhooks: []
`
