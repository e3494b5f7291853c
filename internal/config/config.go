package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml: the farm identity, the crop catalog the
// task rules draw their date offsets from, and the sweep cadence.
type Config struct {
	Farm struct {
		ID   string `yaml:"id" validate:"required"`
		Name string `yaml:"name"`
	} `yaml:"farm"`
	Crops   map[string]CropProfile `yaml:"crops" validate:"required,dive"`
	Scanner struct {
		IntervalMinutes int `yaml:"interval_minutes" validate:"gte=0"`
	} `yaml:"scanner"`
}

// CropProfile is pure per-crop biology data: day offsets between lifecycle
// stages. It carries no behavior beyond completeness checks.
type CropProfile struct {
	Description  string `yaml:"description"`
	HasFruiting  bool   `yaml:"has_fruiting"`
	GrowthDays   int    `yaml:"growth_days" validate:"gt=0"`
	FruitingDays int    `yaml:"fruiting_days" validate:"gte=0"`
	HarvestDays  int    `yaml:"harvest_days" validate:"gt=0"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Crops) == 0 {
		return fmt.Errorf("config.crops must define at least one crop")
	}
	for name, crop := range c.Crops {
		if name == "" {
			return fmt.Errorf("config.crops contains empty crop name")
		}
		if crop.HasFruiting && crop.FruitingDays <= 0 {
			return fmt.Errorf("crop %s has fruiting stage but no fruiting_days", name)
		}
	}
	return nil
}

// Crop looks up a profile from the catalog.
func (c *Config) Crop(name string) (CropProfile, bool) {
	p, ok := c.Crops[name]
	return p, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns default config YAML.
func GenerateDefault(farmID string) string {
	return fmt.Sprintf(defaultTemplate, farmID)
}

// Default returns the default Config struct for a farm.
func Default(farmID string) *Config {
	var cfg Config
	cfg.Farm.ID = farmID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, farmID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `farm:
  id: %s
  name: Default Farm

crops:
  tomato:
    description: "Vine tomato, greenhouse"
    has_fruiting: true
    growth_days: 45
    fruiting_days: 30
    harvest_days: 21
  cucumber:
    description: "Greenhouse cucumber"
    has_fruiting: true
    growth_days: 30
    fruiting_days: 14
    harvest_days: 28
  lettuce:
    description: "Leaf lettuce, no fruiting stage"
    has_fruiting: false
    growth_days: 35
    harvest_days: 10
  basil:
    description: "Cut-and-come-again basil"
    has_fruiting: false
    growth_days: 28
    harvest_days: 14

scanner:
  interval_minutes: 60
`
