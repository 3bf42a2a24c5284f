package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/config"
	"github.com/lmeve/esi-auth-golang/internal/helpers"
	"github.com/lmeve/esi-auth-golang/kv"
	"github.com/lmeve/esi-auth-golang/session"
)

func main() {
	app := &cli.App{
		Name:    "lmeve-auth-helper",
		Usage:   "operator tasks for lmeve-auth",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			runSetAdmin,
			runAuthorizeUrl,
			runGenerateJwks,
		},
	}

	app.RunAndExitOnError()
}

var runSetAdmin = &cli.Command{
	Name:  "set-admin",
	Usage: "replace the local administrator credentials",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "username",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			Required: true,
			EnvVars:  []string{"LMEVE_ADMIN_PASSWORD"},
		},
	},
	Action: func(cmd *cli.Context) error {
		cfg, err := config.Load(cmd.String("env-file"))
		if err != nil {
			return err
		}

		store, err := kv.New(cmd.Context, cfg.KVConfig())
		if err != nil {
			return err
		}
		if c, ok := store.(io.Closer); ok {
			defer c.Close()
		}

		registry, err := session.NewRegistry(session.Options{Store: store}, 1)
		if err != nil {
			return err
		}
		m, err := registry.Shared()
		if err != nil {
			return err
		}

		if err := m.UpdateAdminConfig(cmd.Context, session.AdminConfig{
			Username: cmd.String("username"),
			Password: cmd.String("password"),
		}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.App.Writer, "admin credentials updated in %s store\n", cfg.Store.Driver)
		return nil
	},
}

var runAuthorizeUrl = &cli.Command{
	Name:  "authorize-url",
	Usage: "print the SSO authorization url and PKCE state the server would issue",
	Action: func(cmd *cli.Context) error {
		cfg, err := config.Load(cmd.String("env-file"))
		if err != nil {
			return err
		}

		c, err := oauth.NewClient(cfg.ClientArgs())
		if err != nil {
			return err
		}

		req, err := c.BeginAuthorization()
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	},
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "write an ES256 signing key and its public JWKS, for a local SSO stand-in",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "prefix",
			Required: false,
		},
		&cli.StringFlag{
			Name:  "out",
			Value: "./jwk.json",
		},
		&cli.StringFlag{
			Name:  "jwks-out",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}
		key, err := helpers.GenerateKey(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		if err := os.WriteFile(cmd.String("out"), b, 0600); err != nil {
			return err
		}

		jwks, err := oauth.CreateJwksResponseObject(key)
		if err != nil {
			return err
		}

		b, err = json.Marshal(jwks)
		if err != nil {
			return err
		}

		return os.WriteFile(cmd.String("jwks-out"), b, 0644)
	},
}
