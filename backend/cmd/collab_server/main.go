package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"collabSync/backend/config"
	"collabSync/backend/internal/logx"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	app := &cli.App{
		Name:    "collab_server",
		Usage:   "real-time collaborative document sync server",
		Version: fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file, default searches collabConfig.yaml",
				EnvVars: []string{"COLLAB_CONFIG"},
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "override running.port",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Running.Port = c.Int("port")
			}
			log := logx.FromConfig(cfg.Log.Level, cfg.Log.Console)
			log.Info().
				Str("version", buildVersion).
				Str("store", cfg.Store.Driver).
				Int("port", cfg.Running.Port).
				Msg("starting collab server")
			return run(c.Context, cfg, log)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
