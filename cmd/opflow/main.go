package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/opflow/internal/logging"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "opflow",
		Usage:                 "Workflow execution engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "settings", Usage: "Path to settings.json", Value: settingsPath()},
			&cli.StringFlag{Name: "db-driver", Usage: "Store driver (libsql, postgres, memory)"},
			&cli.StringFlag{Name: "db-url", Usage: "Database path or URL"},
			&cli.StringFlag{Name: "bus", Usage: "Bus provider (gochannel, kafka)"},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka broker addresses"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newValidateCommand(),
			newRegisterCommand(),
			newStartCommand(),
			newRetryCommand(),
			newStopCommand(),
			newStartNodesCommand(),
			newCompleteCommand(),
			newDiagramCommand(),
			newHistoryCommand(),
			newSweepCommand(),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(context.Context, *cli.Command) error {
					printVersion()
					return nil
				},
			},
		},
	}
}

// resolveConfig loads the layered config and applies explicitly set flags.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfigFrom(cmd.String("settings"), os.Getenv)
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("db-driver") {
		cfg.DBDriver = cmd.String("db-driver")
	}
	if cmd.IsSet("db-url") {
		cfg.DBURL = cmd.String("db-url")
	}
	if cmd.IsSet("bus") {
		cfg.BusProvider = cmd.String("bus")
	}
	if cmd.IsSet("kafka-brokers") {
		cfg.KafkaBrokers = cmd.StringSlice("kafka-brokers")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	return cfg, cfg.validate()
}

// newLogger builds the process logger around a level that reloads can move.
func newLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, lv, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger, lv
}
