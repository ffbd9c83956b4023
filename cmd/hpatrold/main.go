// Command hpatrold runs the whole pipeline as one long lived process, for
// deployments without a serverless scheduler.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/audit"
	"github.com/hpatrol/hpatrol/config"
	"github.com/hpatrol/hpatrol/server"
)

func main() {
	app := &cli.App{
		Name:    "hpatrold",
		Usage:   "run the harvesting pipeline as a daemon",
		Version: server.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML configuration file",
				EnvVars: []string{"HPATROL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "admin API port, overriding the configuration",
			},
			&cli.BoolFlag{
				Name:  "api-only",
				Usage: "serve the admin API without running any task on a schedule",
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"HPATROL_DEBUG"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("hpatrold")
	}
}

func run(c *cli.Context) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	ac, err := app.New(cfg)
	if err != nil {
		return err
	}
	d := &server.Daemon{
		Context:      ac,
		Audit:        audit.New(ac, audit.Batch),
		Port:         c.String("port"),
		DisableLoops: c.Bool("api-only"),
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("stopping")
		if err := d.Stop(); err != nil {
			log.Error().Err(err).Msg("stop")
		}
	}()
	return d.Run()
}
