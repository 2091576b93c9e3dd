package importer

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
)

func testContext(t *testing.T) context.Context {
	return logr.NewContext(context.Background(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

func testConfig() Config {
	return Config{
		Base: BaseConfig{
			ScanType:                  "Nessus Scan",
			AutoCreateContext:         true,
			DeduplicationOnEngagement: true,
			LeadUserID:                3,
			MaxRequests:               3,
			MinimumSeverity:           "Low",
			EngagementDurationDays:    365,
			Retry: RetryConfig{
				Attempts:        3,
				InitialInterval: time.Millisecond,
			},
		},
		Product: ProductConfig{
			"description": "Scanfactory project {}",
			"prod_type":   1,
		},
	}
}

func testEnvironment(keycloakURL, scanfactoryURL, ddojoURL string) Environment {
	return Environment{
		KeycloakURL:    keycloakURL,
		KeycloakRealm:  DefaultKeycloakRealm,
		SFUsername:     "sf-user",
		SFPassword:     "sf-pass",
		ScanfactoryURL: scanfactoryURL,
		DDojoURL:       ddojoURL,
		DDojoToken:     "dojo-token",
	}
}

func testRunContext(keycloakURL, scanfactoryURL, ddojoURL string) *RunContext {
	return &RunContext{
		Config:      testConfig(),
		Environment: testEnvironment(keycloakURL, scanfactoryURL, ddojoURL),
	}
}
