package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/opflow/internal/bus"
	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate workflow definition files or directories",
		ArgsUsage: "<path>...",
		Action: func(_ context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("validate needs at least one path")
			}
			loader, err := definition.NewLoader()
			if err != nil {
				return err
			}

			out := cmd.Root().Writer
			failed := 0
			for _, path := range paths {
				files, err := loadPath(loader, path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n", path)
					printIssues(out, err)
					continue
				}
				for _, f := range files {
					result := loader.Validate(&f.Definition)
					fmt.Fprintf(out, "ok   %s (%s, %d warnings)\n", f.Path, f.Definition.ID, len(result.Warnings))
					for _, w := range result.Warnings {
						fmt.Fprintf(out, "     warning %s: %s\n", w.Path, w.Message)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d paths invalid", failed, len(paths))
			}
			return nil
		},
	}
}

func newRegisterCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Validate definitions and save them to the store",
		ArgsUsage: "<path>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("register needs at least one path")
			}
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			newLogger(cfg)
			loader, err := definition.NewLoader()
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, path := range paths {
				files, err := loadPath(loader, path)
				if err != nil {
					return err
				}
				for _, f := range files {
					if err := saveDefinition(ctx, st, f.Definition); err != nil {
						return fmt.Errorf("%s: %w", f.Path, err)
					}
					fmt.Fprintf(cmd.Root().Writer, "registered %s from %s\n", f.Definition.ID, f.Path)
				}
			}
			return nil
		},
	}
}

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a definition file, or a stored run with its node states, as Mermaid",
		ArgsUsage: "[<file>]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Aliases: []string{"r"}, Usage: "Render the snapshot and state of this run"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var (
				def        schema.WorkflowDefinition
				executions []*store.NodeExecution
			)
			if runID := cmd.String("run"); runID != "" {
				cfg, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				newLogger(cfg)
				st, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				run, err := st.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				def = run.Snapshot
				executions, err = st.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: runID})
				if err != nil {
					return err
				}
			} else {
				if cmd.Args().Len() != 1 {
					return fmt.Errorf("diagram needs a definition file or --run")
				}
				loader, err := definition.NewLoader()
				if err != nil {
					return err
				}
				f, err := loader.LoadFile(cmd.Args().First())
				if err != nil {
					return err
				}
				def = f.Definition
			}

			model, err := diagram.Build(&def, executions)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.Root().Writer, diagram.RenderMermaid(model))
			return nil
		},
	}
}

func newHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Replay a run's event log into a per-node summary",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "events", Usage: "Also list the raw events"},
			&cli.IntFlag{Name: "since", Usage: "With --events, only list events after this sequence"},
			&cli.BoolFlag{Name: "json", Usage: "Print the summary as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("history needs exactly one run id")
			}
			runID := cmd.Args().First()
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			newLogger(cfg)
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			log := store.NewEventLog(st)
			history, err := log.ReplayEvents(ctx, runID)
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			if cmd.Bool("json") {
				data, err := json.MarshalIndent(history, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				printHistory(out, history)
			}

			if !cmd.Bool("events") {
				return nil
			}
			events, err := log.GetEvents(ctx, runID, int64(cmd.Int("since")))
			if err != nil {
				return err
			}
			for _, e := range events {
				line := fmt.Sprintf("%4d %s %-22s", e.Sequence, e.Timestamp.UTC().Format(time.RFC3339), e.Type)
				if e.NodeID != "" {
					line += " node=" + e.NodeID
				}
				if e.ActorID != "" {
					line += " actor=" + e.ActorID
				}
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			return nil
		},
	}
}

func printHistory(w io.Writer, h *store.RunHistory) {
	status := string(h.Status)
	if status == "" {
		status = "UNKNOWN"
	}
	fmt.Fprintf(w, "run %s %s epochs=%d events=%d\n", h.RunID, status, h.Epochs, h.LastSeq)
	if len(h.Actors) > 0 {
		fmt.Fprintf(w, "actors %s\n", strings.Join(h.Actors, ","))
	}
	ids := make([]string, 0, len(h.Nodes))
	for id := range h.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := h.Nodes[id]
		fmt.Fprintf(w, "  %-20s starts=%d finishes=%d redrives=%d skips=%d invalidated=%d launch_errors=%d last=%s\n",
			id, n.Starts, n.Finishes, n.Redrives, n.Skips, n.Invalidations, n.LaunchErrors, n.LastEvent)
	}
}

func newSweepCommand() *cli.Command {
	return &cli.Command{
		Name:      "sweep",
		Usage:     "Run one background sweep now (timeouts or postponements)",
		ArgsUsage: "<name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name != sweepTimeouts && name != sweepPostponements {
				return fmt.Errorf("sweep needs %q or %q", sweepTimeouts, sweepPostponements)
			}
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.BusProvider != busKafka {
				return fmt.Errorf("sweep needs bus_provider %s; the %s bus only lives inside serve", busKafka, cfg.BusProvider)
			}
			logger, _ := newLogger(cfg)
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.sched.RunNow(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "%s: acted on %d\n", name, n)
			return nil
		},
	}
}

var actorFlag = &cli.StringFlag{Name: "actor", Usage: `Actor issuing the command, "type:id" (default human:$USER)`}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a run of a registered workflow",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Aliases: []string{"w"}, Required: true},
			&cli.StringFlag{Name: "reason"},
			actorFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sendCommand(ctx, cmd, engine.CommandStartRun, engine.StartRunCommand{
				WorkflowID: cmd.String("workflow"),
				Reason:     cmd.String("reason"),
			})
		},
	}
}

func newRetryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Retry a run from its roots or from seed nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Aliases: []string{"r"}, Required: true},
			&cli.StringSliceFlag{Name: "seed", Usage: "Node to re-drive; repeatable"},
			actorFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sendCommand(ctx, cmd, engine.CommandRetryRun, engine.RetryRunCommand{
				RunID:       cmd.String("run"),
				SeedNodeIDs: cmd.StringSlice("seed"),
			})
		},
	}
}

func newStopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop a running run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Aliases: []string{"r"}, Required: true},
			&cli.StringFlag{Name: "reason"},
			actorFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sendCommand(ctx, cmd, engine.CommandStopRun, engine.StopRunCommand{
				RunID:  cmd.String("run"),
				Reason: cmd.String("reason"),
			})
		},
	}
}

func newStartNodesCommand() *cli.Command {
	return &cli.Command{
		Name:  "start-nodes",
		Usage: "Force-start nodes of a run, reopening it if it already finished",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Aliases: []string{"r"}, Required: true},
			&cli.StringSliceFlag{Name: "node", Aliases: []string{"n"}, Usage: "Node to start; repeatable"},
			actorFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sendCommand(ctx, cmd, engine.CommandStartNodes, engine.StartNodesCommand{
				RunID:   cmd.String("run"),
				NodeIDs: cmd.StringSlice("node"),
			})
		},
	}
}

func newCompleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "complete",
		Usage: "Report the final status of a node execution",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution", Aliases: []string{"e"}, Required: true},
			&cli.StringFlag{Name: "status", Usage: "SUCCEEDED, FAILED, TIMED_OUT, STOPPED or ABANDONED", Required: true},
			&cli.IntFlag{Name: "exit-code"},
			actorFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := engine.NodeExecutionCompletedCommand{
				NodeExecutionID: cmd.String("execution"),
				Status:          schema.ExecutionStatus(strings.ToUpper(cmd.String("status"))),
			}
			if cmd.IsSet("exit-code") {
				code := cmd.Int("exit-code")
				c.ExitCode = &code
			}
			return sendCommand(ctx, cmd, engine.CommandNodeExecutionCompleted, c)
		},
	}
}

// sendCommand validates c and publishes it to the commands topic. Only a
// shared bus reaches a running server, so gochannel is refused.
func sendCommand(ctx context.Context, cmd *cli.Command, commandType string, c any) error {
	if err := validation.ValidateCommand(c); err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.BusProvider != busKafka {
		return fmt.Errorf("%s needs bus_provider %s; the %s bus only lives inside serve", cmd.Name, busKafka, cfg.BusProvider)
	}
	actor, err := cliActor(cmd.String("actor"))
	if err != nil {
		return err
	}
	logger, _ := newLogger(cfg)

	pub, _, closeBus, err := openBus(cfg, watermill.NewSlogLogger(logger))
	if err != nil {
		return err
	}
	defer closeBus()

	if err := bus.SendCommand(ctx, pub, actor, commandType, c); err != nil {
		return fmt.Errorf("send %s: %w", commandType, err)
	}
	fmt.Fprintf(cmd.Root().Writer, "sent %s as %s\n", commandType, actor)
	return nil
}

func loadPath(loader *definition.Loader, path string) ([]definition.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loader.LoadDir(path)
	}
	f, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []definition.File{f}, nil
}

func printIssues(w io.Writer, err error) {
	var oe *schema.OpcodeError
	if !errors.As(err, &oe) {
		fmt.Fprintf(w, "     %v\n", err)
		return
	}
	issues, _ := oe.Details["errors"].([]schema.ValidationIssue)
	if len(issues) == 0 {
		fmt.Fprintf(w, "     %v\n", err)
		return
	}
	for _, issue := range issues {
		fmt.Fprintf(w, "     error %s: %s\n", issue.Path, issue.Message)
	}
}
