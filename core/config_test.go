package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			API:     APIConfig{BaseURL: "http://localhost:8080/api"},
			Portal:  PortalConfig{CookieSecret: "a-test-cookie-secret-of-32-bytes"},
			Session: SessionConfig{Trust: TrustCached},
			Storage: StorageConfig{Driver: StorageMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "verified trust", mutate: func(c *Config) { c.Session.Trust = TrustVerified }},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: `unknown storage driver "mongo"`},
		{name: "unknown trust", mutate: func(c *Config) { c.Session.Trust = "blind" }, wantErr: `unknown session trust mode "blind"`},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Driver = StoragePostgres }, wantErr: "storage.databaseURL is required"},
		{
			name: "postgres with url",
			mutate: func(c *Config) {
				c.Storage.Driver = StoragePostgres
				c.Storage.DatabaseURL = "postgres://localhost/masomo"
			},
		},
		{name: "short secret", mutate: func(c *Config) { c.Portal.CookieSecret = "short" }, wantErr: "at least 32 bytes"},
		{
			name: "short secret in debug",
			mutate: func(c *Config) {
				c.Debug = true
				c.Portal.CookieSecret = "short"
			},
		},
		{name: "no api url", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: "api.baseURL is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := valid()
			if tt.mutate != nil {
				tt.mutate(conf)
			}
			err := conf.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
