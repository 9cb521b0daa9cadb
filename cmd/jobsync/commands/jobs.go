package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/listsync"
	"github.com/forgeline/jobsync/pkg/types"
)

// JobsAction prints an owner's job list. With --follow it keeps the list
// live until interrupted.
func JobsAction(ctx context.Context, cmd *cli.Command) error {
	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	owner, err := ac.ownerFrom(cmd)
	if err != nil {
		return err
	}
	out := outputOf(cmd)

	if !cmd.Bool("follow") {
		jobs, err := ac.Store.ListJobs(ctx, owner)
		if err != nil {
			return fmt.Errorf("failed to list jobs for %s: %w", owner, err)
		}
		return renderJobs(out, listsync.Snapshot{Jobs: jobs, ActiveCount: types.CountActive(jobs)})
	}

	live := listsync.New(owner, ac.Store, ac.Channel(), listsync.Config{
		FallbackInterval: cmd.Duration("fallback-interval"),
		Logger:           ac.Logger(),
	})
	defer live.Stop()

	changes := make(chan listsync.Snapshot, 1)
	unsubscribe := live.OnChange(func(s listsync.Snapshot) {
		select {
		case changes <- s:
		default:
			// drop the stale pending snapshot in favour of this one
			select {
			case <-changes:
			default:
			}
			changes <- s
		}
	})
	defer unsubscribe()

	connectCtx, cancel := context.WithTimeout(ctx, ac.Config.ConnectBudget)
	if err := ac.Channel().Connect(connectCtx); err != nil {
		ac.Logger().Warn("Push channel unavailable, polling the list", "error", err)
	}
	cancel()

	if err := live.Start(ctx); err != nil {
		return fmt.Errorf("failed to load jobs for %s: %w", owner, err)
	}
	if err := renderJobs(out, live.Snapshot()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			fmt.Fprintln(out)
			if err := renderJobs(out, s); err != nil {
				return err
			}
		}
	}
}

func renderJobs(w io.Writer, s listsync.Snapshot) error {
	if len(s.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Kind", "Status", "Progress", "Retry Of", "Updated")
	for _, job := range s.Jobs {
		if err := table.Append(
			job.ID,
			string(job.Kind),
			string(job.Status),
			strconv.Itoa(job.Progress)+"%",
			job.RetryOf,
			job.UpdatedAt.Format("2006-01-02 15:04:05"),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "%d active of %d\n", s.ActiveCount, len(s.Jobs))
	return nil
}
