package importer

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/tidwall/sjson"
	"go.uber.org/config"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Supported values for base_config.scan_type and base_config.minimum_severity.
var (
	SupportedScanTypes  = []string{"Nessus Scan", "Tenable Scan"}
	SupportedSeverities = []string{"Info", "Low", "Medium", "High", "Critical"}
)

const (
	MinMaxRequests = 1
	MaxMaxRequests = 10
)

// Config is the run configuration read from the YAML config file.
type Config struct {
	Base BaseConfig
	// Product mirrors the fields of the Defect Dojo product creation API.
	Product ProductConfig
}

// BaseConfig is the base_config block.
type BaseConfig struct {
	ScanType                  string      `yaml:"scan_type"`
	AutoCreateContext         bool        `yaml:"auto_create_context"`
	DeduplicationOnEngagement bool        `yaml:"deduplication_on_engagement"`
	LeadUserID                int         `yaml:"lead_user_id"`
	MaxRequests               int         `yaml:"max_requests"`
	MinimumSeverity           string      `yaml:"minimum_severity"`
	PerHostReports            bool        `yaml:"per_host_reports"`
	EngagementDurationDays    int         `yaml:"engagement_duration_days"`
	Retry                     RetryConfig `yaml:"retry"`
}

// ProductConfig is the product_creation_config block.
type ProductConfig map[string]interface{}

// ImportOptions are the import-scan settings shared by every report of a run.
type ImportOptions struct {
	ScanType                  string
	MinimumSeverity           string
	AutoCreateContext         bool
	DeduplicationOnEngagement bool
}

// ImportOptions returns the import-scan settings of c.
func (c Config) ImportOptions() ImportOptions {
	return ImportOptions{
		ScanType:                  c.Base.ScanType,
		MinimumSeverity:           c.Base.MinimumSeverity,
		AutoCreateContext:         c.Base.AutoCreateContext,
		DeduplicationOnEngagement: c.Base.DeduplicationOnEngagement,
	}
}

type ConfigUnmarshaler interface {
	Unmarshal(lookup func(string) (string, bool), sources ...ConfigFile) (Config, error)
}

type YAMLConfigUnmarshaler struct{}

// Unmarshal merges sources in order, later sources overriding earlier ones,
// expanding ${VAR} and ${VAR:default} with lookup.
func (u YAMLConfigUnmarshaler) Unmarshal(lookup func(string) (string, bool), sources ...ConfigFile) (Config, error) {
	var result Config
	var options []config.YAMLOption
	for _, s := range sources {
		if s.Length > 0 {
			options = append(options, config.Source(s.Reader))
		}
	}
	options = append(options, config.Expand(lookup))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config: %w: %w", ErrInvalidConfig, err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config: %w: %w", key, ErrInvalidConfig, cause)
	}
	key := "base_config"
	err = yaml.Get(key).Populate(&result.Base)
	if err != nil {
		return result, readError(key, err)
	}
	key = "product_creation_config"
	if yaml.Get(key).HasValue() {
		raw := make(map[string]interface{})
		err = yaml.Get(key).Populate(&raw)
		if err != nil {
			return result, readError(key, err)
		}
		result.Product = make(ProductConfig, len(raw))
		for k, v := range raw {
			result.Product[k] = normaliseYAMLValue(v)
		}
	}

	if err := result.Validate(); err != nil {
		return result, err
	}
	return result, nil
}

// LoadConfig reads the embedded defaults and the operator's file at path.
func LoadConfig(path string) (Config, error) {
	file, err := MustFindConfigFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return YAMLConfigUnmarshaler{}.Unmarshal(os.LookupEnv, DefaultsConfigFile(), file)
}

// Validate normalises the labels of c and checks its ranges.
func (c *Config) Validate() error {
	title := cases.Title(language.Und)

	c.Base.ScanType = title.String(strings.ToLower(strings.TrimSpace(c.Base.ScanType)))
	if !slices.Contains(SupportedScanTypes, c.Base.ScanType) {
		return fmt.Errorf("%w: scan type %q should be one of %s", ErrInvalidConfig, c.Base.ScanType, strings.Join(SupportedScanTypes, ", "))
	}

	c.Base.MinimumSeverity = title.String(strings.ToLower(strings.TrimSpace(c.Base.MinimumSeverity)))
	if !slices.Contains(SupportedSeverities, c.Base.MinimumSeverity) {
		return fmt.Errorf("%w: minimum severity %q should be one of %s", ErrInvalidConfig, c.Base.MinimumSeverity, strings.Join(SupportedSeverities, ", "))
	}

	if c.Base.MaxRequests < MinMaxRequests || c.Base.MaxRequests > MaxMaxRequests {
		return fmt.Errorf("%w: max requests %d should be in range %d-%d", ErrInvalidConfig, c.Base.MaxRequests, MinMaxRequests, MaxMaxRequests)
	}

	if c.Base.LeadUserID <= 0 {
		return fmt.Errorf("%w: lead user id is required", ErrInvalidConfig)
	}

	if c.Base.EngagementDurationDays <= 0 {
		return fmt.Errorf("%w: engagement duration must be positive", ErrInvalidConfig)
	}
	return nil
}

// Payload builds the product creation request body for a project.
// Keys are sent in snake_case, name is the project name and a "{}" in the
// description is replaced by it (otherwise the name is appended).
func (p ProductConfig) Payload(projectName string) ([]byte, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := []byte(`{}`)
	var err error
	for _, k := range keys {
		field := strcase.ToSnake(k)
		if field == "name" || field == "description" {
			continue
		}
		payload, err = sjson.SetBytes(payload, field, p[k])
		if err != nil {
			return nil, fmt.Errorf("failed to set product field %q: %w", field, err)
		}
	}
	payload, err = sjson.SetBytes(payload, "name", projectName)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "description", p.Description(projectName))
}

// Description renders the description template for projectName.
func (p ProductConfig) Description(projectName string) string {
	var template string
	if v, ok := p["description"]; ok && v != nil {
		template = fmt.Sprint(v)
	}
	if strings.Contains(template, "{}") {
		return strings.ReplaceAll(template, "{}", projectName)
	}
	return strings.TrimSpace(template + " " + projectName)
}

// normaliseYAMLValue converts the map[interface{}]interface{} values produced
// by the YAML decoder into shapes encoding/json can marshal.
func normaliseYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normaliseYAMLValue(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normaliseYAMLValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = normaliseYAMLValue(val)
		}
		return s
	default:
		return v
	}
}
