// Package config loads the LMEVE_* environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/kv"
)

type Config struct {
	Addr          string        `env:"LMEVE_ADDR"           envDefault:":8080"`
	SessionSecret string        `env:"LMEVE_SESSION_SECRET"`
	SecureCookies bool          `env:"LMEVE_SECURE_COOKIES" envDefault:"true"`
	PKCETTL       time.Duration `env:"LMEVE_PKCE_TTL"       envDefault:"5m"`
	HTTPTimeout   time.Duration `env:"LMEVE_HTTP_TIMEOUT"   envDefault:"15s"`
	LogLevel      string        `env:"LMEVE_LOG_LEVEL"      envDefault:"info"`

	ESI   ESIConfig
	Store StoreConfig
}

type ESIConfig struct {
	ClientId     string   `env:"LMEVE_ESI_CLIENT_ID"`
	ClientSecret string   `env:"LMEVE_ESI_CLIENT_SECRET"`
	RedirectUri  string   `env:"LMEVE_ESI_REDIRECT_URI" envDefault:"http://localhost:8080/callback"`
	Scopes       []string `env:"LMEVE_ESI_SCOPES"       envSeparator:" "`
	AuthorizeUrl string   `env:"LMEVE_ESI_AUTHORIZE_URL" envDefault:"https://login.eveonline.com/v2/oauth/authorize"`
	TokenUrl     string   `env:"LMEVE_ESI_TOKEN_URL"     envDefault:"https://login.eveonline.com/v2/oauth/token"`
	VerifyUrl    string   `env:"LMEVE_ESI_VERIFY_URL"    envDefault:"https://login.eveonline.com/oauth/verify"`
	JwksUrl      string   `env:"LMEVE_ESI_JWKS_URL"      envDefault:"https://login.eveonline.com/oauth/jwks"`
	EsiUrl       string   `env:"LMEVE_ESI_URL"           envDefault:"https://esi.evetech.net/latest"`
	UserAgent    string   `env:"LMEVE_ESI_USER_AGENT"    envDefault:"lmeve-esi-auth"`
}

type StoreConfig struct {
	Driver        string `env:"LMEVE_STORE_DRIVER"  envDefault:"memory"`
	SQLitePath    string `env:"LMEVE_SQLITE_PATH"   envDefault:"lmeve.db"`
	RedisAddr     string `env:"LMEVE_REDIS_ADDR"`
	RedisUsername string `env:"LMEVE_REDIS_USERNAME"`
	RedisPassword string `env:"LMEVE_REDIS_PASSWORD"`
	RedisDB       int    `env:"LMEVE_REDIS_DB"`
	RedisPrefix   string `env:"LMEVE_REDIS_PREFIX"  envDefault:"lmeve:"`
}

// Load reads files (".env" when none are given, missing files ignored) and
// then parses the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// godotenv never overrides variables that are already set
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("could not parse environment: %w", err)
	}
	return &cfg, nil
}

// ClientArgs maps the ESI section onto oauth.ClientArgs.
func (c *Config) ClientArgs() oauth.ClientArgs {
	return oauth.ClientArgs{
		ClientId:     c.ESI.ClientId,
		ClientSecret: c.ESI.ClientSecret,
		RedirectUri:  c.ESI.RedirectUri,
		Scopes:       c.ESI.Scopes,
		AuthorizeUrl: c.ESI.AuthorizeUrl,
		TokenUrl:     c.ESI.TokenUrl,
		VerifyUrl:    c.ESI.VerifyUrl,
		JwksUrl:      c.ESI.JwksUrl,
		EsiUrl:       c.ESI.EsiUrl,
		UserAgent:    c.ESI.UserAgent,
	}
}

func (c *Config) KVConfig() kv.Config {
	return kv.Config{
		Driver:     c.Store.Driver,
		SQLitePath: c.Store.SQLitePath,
		Redis: kv.RedisConfig{
			Addr:     c.Store.RedisAddr,
			Username: c.Store.RedisUsername,
			Password: c.Store.RedisPassword,
			DB:       c.Store.RedisDB,
			Prefix:   c.Store.RedisPrefix,
		},
	}
}
