package importer

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const DefaultKeycloakRealm = "scanfactory"

// Environment holds the endpoints and credentials read from the process
// environment after the operator's env file has been loaded.
type Environment struct {
	KeycloakURL    string `envconfig:"KEYCLOAK_URL"`
	KeycloakRealm  string `envconfig:"KEYCLOAK_REALM" default:"scanfactory"`
	SFUsername     string `envconfig:"SF_USERNAME"`
	SFPassword     string `envconfig:"SF_PASSWORD"`
	ScanfactoryURL string `envconfig:"SCANFACTORY_URL"`

	DDojoURL      string `envconfig:"DDOJO_URL"`
	DDojoToken    string `envconfig:"DDOJO_TOKEN"`
	DDojoUsername string `envconfig:"DDOJO_USERNAME"`
	DDojoPassword string `envconfig:"DDOJO_PASSWORD"`

	HealthCheckURL       string `envconfig:"HEALTH_CHECK_URL"`
	HealthCheckEndpoints string `envconfig:"HEALTH_CHECK_ENDPOINTS"`
}

// LoadEnvironment loads envPath into the process environment, without
// overriding variables that are already set, and reads the Environment.
func LoadEnvironment(envPath string) (Environment, error) {
	var result Environment
	if _, err := os.Stat(envPath); err != nil {
		return result, fmt.Errorf("%w: environment file %s: %w", ErrInvalidConfig, envPath, err)
	}
	if err := godotenv.Load(envPath); err != nil {
		return result, fmt.Errorf("%w: failed to load environment file %s: %w", ErrInvalidConfig, envPath, err)
	}
	return ReadEnvironment()
}

// ReadEnvironment reads and validates the Environment from the process environment.
func ReadEnvironment() (Environment, error) {
	var result Environment
	if err := envconfig.Process("", &result); err != nil {
		return result, fmt.Errorf("%w: failed to read environment: %w", ErrInvalidConfig, err)
	}
	if err := result.normalise(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Environment) normalise() error {
	required := []struct {
		name  string
		value *string
	}{
		{"KEYCLOAK_URL", &e.KeycloakURL},
		{"SF_USERNAME", &e.SFUsername},
		{"SF_PASSWORD", &e.SFPassword},
		{"SCANFACTORY_URL", &e.ScanfactoryURL},
		{"DDOJO_URL", &e.DDojoURL},
	}
	for _, r := range required {
		*r.value = strings.TrimSpace(*r.value)
		if *r.value == "" {
			return fmt.Errorf("%w: env var %s should not be empty", ErrInvalidConfig, r.name)
		}
	}

	e.KeycloakURL = strings.TrimSuffix(e.KeycloakURL, "/")
	e.ScanfactoryURL = strings.TrimSuffix(e.ScanfactoryURL, "/")
	e.DDojoURL = strings.TrimSuffix(e.DDojoURL, "/")
	e.KeycloakRealm = strings.TrimSpace(e.KeycloakRealm)
	if e.KeycloakRealm == "" {
		e.KeycloakRealm = DefaultKeycloakRealm
	}

	if _, err := url.Parse(e.ScanfactoryURL); err != nil {
		return fmt.Errorf("%w: SCANFACTORY_URL: %w", ErrInvalidConfig, err)
	}

	e.DDojoToken = strings.TrimSpace(e.DDojoToken)
	if e.DDojoToken == "" && (e.DDojoUsername == "" || e.DDojoPassword == "") {
		return fmt.Errorf("%w: a Defect Dojo token (preferred) or username and password are required", ErrInvalidConfig)
	}
	return nil
}

// ClientID is the Keycloak client of the Scanfactory tenant: the first label
// of the Scanfactory host without any "yx-" prefix.
func (e Environment) ClientID() string {
	u, err := url.Parse(e.ScanfactoryURL)
	if err != nil {
		return ""
	}
	label, _, _ := strings.Cut(u.Host, ".")
	return strings.TrimPrefix(label, "yx-")
}

func (e Environment) healthCheckEndpoints() []string {
	return strings.Fields(e.HealthCheckEndpoints)
}

// HealthCheckStart is the endpoint pinged when a run starts.
func (e Environment) HealthCheckStart() string {
	endpoints := e.healthCheckEndpoints()
	if len(endpoints) == 0 {
		return ""
	}
	return endpoints[0]
}

// HealthCheckEnd is the endpoint pinged when a run ends. With a single
// endpoint configured it is the same as HealthCheckStart.
func (e Environment) HealthCheckEnd() string {
	endpoints := e.healthCheckEndpoints()
	if len(endpoints) == 0 {
		return ""
	}
	if len(endpoints) == 1 {
		return endpoints[0]
	}
	return endpoints[1]
}
