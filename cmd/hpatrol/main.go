// Command hpatrol runs one pipeline task and exits. Each task is a
// subcommand. With --lambda, or inside a Lambda runtime, the subcommand
// instead serves Lambda invocations of that task.
package main

import (
	"context"
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
	"github.com/hpatrol/hpatrol/transcoder"
)

const (
	ConfigFlag = "config"
	LambdaFlag = "lambda"
	DebugFlag  = "debug"
	TaskFlag   = "task"
)

var descriptions = map[string]string{
	"scheduler":  "dispatch every enabled active aimpoint inside its working hours",
	"monitor":    "dispatch every monitored aimpoint once",
	"dispatcher": "collect the aimpoints waiting on the dispatch queue",
	"collect":    "collect one aimpoint, given as a local file or a key in the work bucket",
	"historian":  "append the queued collection statuses to the status logs",
	"disabler":   "move failing active aimpoints to the monitored prefix",
	"enabler":    "move recovered monitored aimpoints back to the active prefix",
	"drover":     "post the post-processing tasks due this minute",
	"transcoder": "process the tasks waiting on the transcode queue",
}

func main() {
	app := &cli.App{
		Name:  "hpatrol",
		Usage: "camera feed harvesting tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ConfigFlag,
				Usage:   "TOML configuration file",
				EnvVars: []string{"HPATROL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  LambdaFlag,
				Usage: "serve Lambda invocations instead of running once",
			},
			&cli.BoolFlag{
				Name:    DebugFlag,
				Usage:   "log at debug level",
				EnvVars: []string{"HPATROL_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool(DebugFlag))
			return nil
		},
	}
	for _, name := range server.TaskNames() {
		app.Commands = append(app.Commands, command(name))
	}
	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("hpatrol")
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func command(name string) *cli.Command {
	cmd := &cli.Command{
		Name:   name,
		Usage:  descriptions[name],
		Action: func(c *cli.Context) error { return run(c, name) },
	}
	switch name {
	case "drover":
		cmd.Flags = []cli.Flag{&cli.StringFlag{
			Name:  TaskFlag,
			Usage: "transcode, timelapse or takeaudio",
			Value: transcoder.Transcode,
		}}
	case "collect":
		cmd.ArgsUsage = "<aimpoint.json>"
	}
	return cmd
}

func run(c *cli.Context, name string) error {
	cfg, err := config.Load(c.String(ConfigFlag))
	if err != nil {
		return err
	}
	ac, err := app.New(cfg)
	if err != nil {
		return err
	}
	req := server.Request{}
	switch name {
	case "drover":
		req.Arg = c.String(TaskFlag)
	case "collect":
		if c.NArg() != 1 {
			return cli.Exit("collect needs one aimpoint", 2)
		}
		req.Arg = c.Args().First()
	}

	if c.Bool(LambdaFlag) || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		serveLambda(ac, audit.New(ac, audit.Lambda), name, req.Arg)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if budget := cfg.System.RunBudget.Duration; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	req.Envelope = map[string]string{"source": "cli", "task": name}
	_, err = server.RunTask(ctx, ac, audit.New(ac, audit.Batch), name, req)
	return err
}
