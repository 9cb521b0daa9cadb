package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/cmd/jobsync/commands"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "jobsync",
		Usage:   "observe, control and report on long-running jobs",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment file path",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "gateway base URL (overrides JOBSYNC_GATEWAY_URL)",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token (overrides JOBSYNC_TOKEN)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "DEBUG, INFO, WARN or ERROR (overrides JOBSYNC_LOG_LEVEL)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "track a job until it completes, fails or is cancelled",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{profileFlag()},
				Action:    commands.WatchAction,
			},
			{
				Name:  "jobs",
				Usage: "list an owner's jobs",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.BoolFlag{
						Name:  "follow",
						Usage: "keep the list live until interrupted",
					},
					&cli.DurationFlag{
						Name:  "fallback-interval",
						Usage: "re-read the list at this interval while the push channel is down (0 disables)",
						Value: 10 * time.Second,
					},
				},
				Action: commands.JobsAction,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a job",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{watchFlag(), profileFlag()},
				Action:    commands.CancelAction,
			},
			{
				Name:      "retry",
				Usage:     "derive a new job from a failed one",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{watchFlag(), profileFlag()},
				Action:    commands.RetryAction,
			},
			{
				Name:      "report",
				Usage:     "post producer progress or the final outcome of a job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "progress",
						Usage: "progress percent (0-100)",
					},
					&cli.StringFlag{
						Name:  "phase",
						Usage: "progress phase",
					},
					&cli.StringFlag{
						Name:    "message",
						Aliases: []string{"m"},
						Usage:   "progress message",
					},
					&cli.StringFlag{
						Name:  "final",
						Usage: "report the outcome instead: completed or failed",
					},
					&cli.StringFlag{
						Name:  "result",
						Usage: "JSON result for --final completed",
					},
					&cli.StringFlag{
						Name:  "error",
						Usage: "error message for --final failed",
					},
					&cli.StringFlag{
						Name:  "producer",
						Usage: "producer name (defaults to JOBSYNC_PRODUCER)",
					},
				},
				Action: commands.ReportAction,
			},
			{
				Name:      "remediate",
				Usage:     "submit and apply a fix for a batch of preview errors",
				ArgsUsage: "<errors.json | ->",
				Flags: []cli.Flag{
					ownerFlag(),
					profileFlag(),
					&cli.StringFlag{
						Name:  "apply-dir",
						Usage: "write the fix artifacts below this directory instead of printing them",
					},
					&cli.DurationFlag{
						Name:  "debounce",
						Usage: "quiet period before the fix is submitted",
					},
				},
				Action: commands.RemediateAction,
			},
		},
	}
}

// flags shared by several commands; each command gets its own instance

func profileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "profile",
		Usage: "poll profile used while the push channel is down (foreground, background or one from the config file)",
	}
}

func ownerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "owner",
		Usage: "owner id (defaults to JOBSYNC_OWNER)",
	}
}

func watchFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "watch",
		Usage: "track the job until it is terminal",
	}
}
