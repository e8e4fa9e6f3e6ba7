package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCredentials() *OAuthCredentials {
	return &OAuthCredentials{
		ClientID:                "test-client-id.apps.googleusercontent.com",
		ProjectID:               "test-project",
		AuthURI:                 "https://accounts.google.com/o/oauth2/auth",
		TokenURI:                "https://oauth2.googleapis.com/token",
		AuthProviderX509CertURL: "https://www.googleapis.com/oauth2/v1/certs",
		ClientSecret:            "test-secret",
		RedirectURIs:            []string{"http://localhost"},
	}
}

func TestValidateOAuthClient(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OAuthClientConfig)
		wantErr bool
	}{
		{"installed client", func(c *OAuthClientConfig) {}, false},
		{"web client", func(c *OAuthClientConfig) { c.Web, c.Installed = c.Installed, nil }, false},
		{"no credentials", func(c *OAuthClientConfig) { c.Installed = nil }, true},
		{"missing client id", func(c *OAuthClientConfig) { c.Installed.ClientID = "" }, true},
		{"invalid auth uri", func(c *OAuthClientConfig) { c.Installed.AuthURI = "not-a-valid-url" }, true},
		{"empty redirect uris", func(c *OAuthClientConfig) { c.Installed.RedirectURIs = []string{} }, true},
		{"invalid redirect uri", func(c *OAuthClientConfig) { c.Installed.RedirectURIs = []string{"not a valid uri"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &OAuthClientConfig{Installed: validCredentials()}
			tt.mutate(cfg)

			err := ValidateOAuthClient(cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "validation failed")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadOAuthClientFromPath_WebClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauthClient.json")
	content := `{
  "web": {
    "client_id": "web-client",
    "project_id": "dispatch",
    "auth_uri": "https://accounts.google.com/o/oauth2/auth",
    "token_uri": "https://oauth2.googleapis.com/token",
    "auth_provider_x509_cert_url": "https://www.googleapis.com/oauth2/v1/certs",
    "client_secret": "secret",
    "redirect_uris": ["https://dispatch.example.com/oauth/callback"]
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadOAuthClientFromPath(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Installed)
	assert.Equal(t, "web-client", cfg.Credentials().ClientID)
}

func TestLoadOAuthClientFromPath_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauthClient.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"installed": {"client_id": "test" "x": 1}}`), 0644))

	_, err := LoadOAuthClientFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse oauth client file")
}

func TestLoadOAuthClientFromPath_FileNotFound(t *testing.T) {
	_, err := LoadOAuthClientFromPath("/nonexistent/path/oauthClient.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read oauth client file")
}

func TestLoadOAuthClientWithEnv_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	_, err := LoadOAuthClientWithEnv("staging")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauthClient.staging.json not found")
}
