package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/syncer"
	"github.com/forgeline/jobsync/pkg/types"
)

// Exit codes for terminal outcomes other than completion
const (
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 3
	exitTimeout   = 4
)

// WatchAction tracks one job until it is terminal, printing progress lines
func WatchAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}

	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	return watchJob(ctx, ac, jobID, cmd.String("profile"), outputOf(cmd))
}

// CancelAction requests cancellation of a job
func CancelAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}

	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	if err := ac.Store.CancelJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	fmt.Fprintf(outputOf(cmd), "Cancellation requested for %s\n", jobID)

	if cmd.Bool("watch") {
		return watchJob(ctx, ac, jobID, cmd.String("profile"), outputOf(cmd))
	}
	return nil
}

// RetryAction derives a new job from a failed one
func RetryAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}

	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	newID, err := ac.Store.RetryJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", jobID, err)
	}
	fmt.Fprintf(outputOf(cmd), "Retrying %s as %s\n", jobID, newID)

	if cmd.Bool("watch") {
		return watchJob(ctx, ac, newID, cmd.String("profile"), outputOf(cmd))
	}
	return nil
}

func watchJob(ctx context.Context, ac *AppContext, jobID, profile string, out io.Writer) error {
	job, err := ac.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	cfg, err := ac.SyncConfig(profile)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	printer := &jobPrinter{w: out}
	ctrl := syncer.New(job.ID, job.OwnerID, ac.Store, ac.Channel(), printer, cfg)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()

	err = ctrl.Wait(ctx)
	if ctx.Err() != nil {
		fmt.Fprintf(out, "Stopped watching %s\n", jobID)
		return nil
	}
	return exitError(err)
}

// exitError maps a tracking outcome to a process exit code
func exitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrCancelled):
		return cli.Exit(err.Error(), exitCancelled)
	case errors.Is(err, types.ErrPollTimeout):
		return cli.Exit(err.Error(), exitTimeout)
	default:
		return cli.Exit(err.Error(), exitFailed)
	}
}

// jobPrinter writes observer callbacks as plain lines
type jobPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *jobPrinter) OnProgress(entry types.ProgressEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := entry.Message
	if entry.Phase != "" {
		line = fmt.Sprintf("[%s] %s", entry.Phase, line)
	}
	if entry.Percent > 0 {
		line = fmt.Sprintf("%3d%% %s", entry.Percent, line)
	}
	fmt.Fprintf(p.w, "%s %s\n", entry.Timestamp.Format("15:04:05"), line)
}

func (p *jobPrinter) OnComplete(result json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, "Completed")
	if len(result) > 0 {
		fmt.Fprintln(p.w, string(result))
	}
}

func (p *jobPrinter) OnError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "Failed: %v\n", err)
}

func (p *jobPrinter) OnCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "Cancelled")
}

func outputOf(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
