package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/veil/internal/claims"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/user"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Provider struct {
		Issuer string `yaml:"issuer"`
		// Salt feeds subject derivation and session_state computation.
		Salt          string   `yaml:"salt"`
		AllowedScopes []string `yaml:"allowed_scopes"`
		// GrantValidity bounds new grants; empty means no grant expiry.
		GrantValidity string `yaml:"grant_validity"`
		// ParTTL bounds pushed authorization request lifetime.
		ParTTL string `yaml:"par_ttl"`
		// CheckSession enables session_state emission on responses.
		CheckSession bool `yaml:"check_session"`
	} `yaml:"provider"`

	Session struct {
		Storage session.StorageConfig `yaml:"storage"`
	} `yaml:"session"`

	Keys struct {
		// SigningSeed is the base64 Ed25519 seed; empty generates an
		// ephemeral key at boot.
		SigningSeed string `yaml:"signing_seed"`
		// SecretBoxKey is the base64 AES-256 key sealing cookies and sids.
		SecretBoxKey string `yaml:"secretbox_key"`
		// TokenLifetime bounds the embedded exp of token values.
		TokenLifetime string `yaml:"token_lifetime"`
	} `yaml:"keys"`

	Claims struct {
		Policies map[string]claims.UsagePolicy `yaml:"policies"`
	} `yaml:"claims"`

	Clients []*client.Client `yaml:"clients"`

	Users []*user.User `yaml:"users"`
}

// Load reads the YAML config, applies defaults and env overrides.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Provider.ParTTL == "" {
		c.Provider.ParTTL = "90s"
	}
	if c.Keys.TokenLifetime == "" {
		c.Keys.TokenLifetime = "1h"
	}
	if c.Claims.Policies == nil {
		c.Claims.Policies = map[string]claims.UsagePolicy{
			claims.UsageIDToken:  {AddClaimsByScope: true, EnableClaimsPerClient: true},
			claims.UsageUserInfo: {AddClaimsByScope: true, EnableClaimsPerClient: true},
		}
	}

	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("PROVIDER_ISSUER"); ok {
		c.Provider.Issuer = v
	}
	if v, ok := getEnvStr("PROVIDER_SALT"); ok {
		c.Provider.Salt = v
	}
	if v, ok := getEnvStr("SESSION_STORAGE_DRIVER"); ok {
		c.Session.Storage.Driver = v
	}
	if v, ok := getEnvStr("SESSION_STORAGE_ADDR"); ok {
		c.Session.Storage.Addr = v
	}
	if v, ok := getEnvStr("SESSION_STORAGE_PASSWORD"); ok {
		c.Session.Storage.Password = v
	}
	if v, ok := getEnvInt("SESSION_STORAGE_DB"); ok {
		c.Session.Storage.DB = v
	}
	if v, ok := getEnvStr("SESSION_STORAGE_DSN"); ok {
		c.Session.Storage.DSN = v
	}
	if v, ok := getEnvStr("SIGNING_SEED"); ok {
		c.Keys.SigningSeed = v
	}
	if v, ok := getEnvStr("SECRETBOX_KEY"); ok {
		c.Keys.SecretBoxKey = v
	}
}

// Validate rejects configurations the provider cannot start with.
func (c *Config) Validate() error {
	if c.Provider.Issuer == "" {
		return errors.New("config: provider.issuer is required")
	}
	if c.Provider.Salt == "" {
		return errors.New("config: provider.salt is required")
	}
	if _, err := c.ParTTL(); err != nil {
		return err
	}
	if _, err := c.TokenLifetime(); err != nil {
		return err
	}
	if _, err := c.GrantValidity(); err != nil {
		return err
	}
	return nil
}

// ParTTL parses the pushed request lifetime.
func (c *Config) ParTTL() (time.Duration, error) {
	return parseDur("provider.par_ttl", c.Provider.ParTTL)
}

// TokenLifetime parses the token value lifetime.
func (c *Config) TokenLifetime() (time.Duration, error) {
	return parseDur("keys.token_lifetime", c.Keys.TokenLifetime)
}

// GrantValidity parses the grant lifetime. Empty means zero (no expiry).
func (c *Config) GrantValidity() (time.Duration, error) {
	if c.Provider.GrantValidity == "" {
		return 0, nil
	}
	return parseDur("provider.grant_validity", c.Provider.GrantValidity)
}

func parseDur(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New("config: invalid duration in " + field)
	}
	return d, nil
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
