// go test github.com/homemade/nessus-importer/cmd/nessus-importer/cmd -v
package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homemade/nessus-importer/importer"
)

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "nessus-importer version 1.2.3")
}

func TestCronParser(t *testing.T) {
	for _, spec := range []string{"0 3 * * *", "*/15 * * * *", "@daily"} {
		_, err := cronParser.Parse(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"0 0 3 * * *", "every day", ""} {
		_, err := cronParser.Parse(spec)
		assert.Error(t, err, spec)
	}
}

func TestMappingsExportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	content := `[{"id_": 12, "name": "Acme web", "engagement": "default Acme web", "engagement_id": 34, "project_name": "Acme web", "project_id": "P1"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"mappings", "export", "--mappings-path", path})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "P1,Acme web,12,Acme web,34,default Acme web,", lines[2])
}

func TestRunOnce_StartPingBeforeLogin(t *testing.T) {
	var mu sync.Mutex
	var pings []string
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		pings = append(pings, r.URL.Path)
	}))
	defer health.Close()
	keycloak := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer keycloak.Close()

	flagMappingsPath = filepath.Join(t.TempDir(), "products.json")
	rc := &importer.RunContext{
		Environment: importer.Environment{
			KeycloakURL:          keycloak.URL,
			KeycloakRealm:        importer.DefaultKeycloakRealm,
			SFUsername:           "sf-user",
			SFPassword:           "sf-pass",
			ScanfactoryURL:       "https://yx-acme.scanfactory.example.com",
			DDojoURL:             "https://dojo.example.com",
			DDojoToken:           "dojo-token",
			HealthCheckURL:       health.URL,
			HealthCheckEndpoints: "start end",
		},
	}

	_, err := runOnce(context.Background(), rc, nil)
	assert.ErrorIs(t, err, importer.ErrAuthentication)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/start"}, pings)
}
