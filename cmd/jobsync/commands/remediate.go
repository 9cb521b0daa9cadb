package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/remediation"
	"github.com/forgeline/jobsync/pkg/types"
)

// RemediateAction runs one remediation round over the error batch in the
// named file ("-" reads stdin): debounce, submit a fix job, track it and
// apply its artifacts.
func RemediateAction(ctx context.Context, cmd *cli.Command) error {
	path, err := requireArg(cmd, "errors file")
	if err != nil {
		return err
	}

	batch, err := readErrorBatch(path)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	owner, err := ac.ownerFrom(cmd)
	if err != nil {
		return err
	}
	syncCfg, err := ac.SyncConfig(cmd.String("profile"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	out := outputOf(cmd)

	var applier remediation.Applier = &printApplier{w: out}
	if dir := cmd.String("apply-dir"); dir != "" {
		applier = &fileApplier{dir: dir}
	}

	attempts := make(chan remediation.Attempt, 1)
	cfg := remediation.DefaultConfig()
	if r := ac.Config.File.Remediation; r.Debounce > 0 || r.Cooldown > 0 || r.MaxAttempts > 0 {
		cfg.Debounce, cfg.Cooldown, cfg.MaxAttempts = r.Debounce, r.Cooldown, r.MaxAttempts
	}
	if cmd.IsSet("debounce") {
		cfg.Debounce = cmd.Duration("debounce")
	}
	cfg.OnAttempt = func(a remediation.Attempt) {
		select {
		case attempts <- a:
		default:
		}
	}
	cfg.Logger = ac.Logger()
	cfg.Metrics = ac.Metrics

	loop := remediation.New(
		&fixSubmitter{store: ac.Store, owner: owner},
		applier,
		remediation.ControllerTracker(owner, ac.Store, ac.Channel(), syncCfg),
		cfg,
	)
	defer loop.Stop()

	decision := loop.Report(batch)
	if !decision.Accepted() {
		fmt.Fprintf(out, "No fix submitted: %s\n", decision.Reason)
		return nil
	}
	fmt.Fprintf(out, "Submitting fix for %d errors (signature %.12s) after %s\n", len(batch), decision.Signature, cfg.Debounce)

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "Interrupted")
		return nil
	case a := <-attempts:
		if a.Err != nil {
			return cli.Exit(fmt.Sprintf("fix %s did not apply: %v", a.JobID, a.Err), exitFailed)
		}
		fmt.Fprintf(out, "Applied fix %s\n", a.JobID)
		return nil
	}
}

func readErrorBatch(path string) ([]types.EnvError, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var batch []types.EnvError
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to parse error batch %s: %w", path, err)
	}
	return batch, nil
}

// fixSubmitter submits fix jobs through the gateway
type fixSubmitter struct {
	store *jobstore.HTTPStore
	owner string
}

func (s *fixSubmitter) SubmitFix(ctx context.Context, batch []types.EnvError) (string, error) {
	params, err := json.Marshal(map[string]any{"errors": batch})
	if err != nil {
		return "", err
	}
	return s.store.Submit(ctx, jobstore.SubmitRequest{
		OwnerID: s.owner,
		Kind:    types.JobKindFix,
		Params:  params,
	})
}

// Artifact is one file a fix job produced
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type artifactSet struct {
	Files []Artifact `json:"files"`
}

// fileApplier writes a fix job's artifact set below dir
type fileApplier struct {
	dir string
}

func (a *fileApplier) Apply(ctx context.Context, jobID string, result json.RawMessage) error {
	var set artifactSet
	if err := json.Unmarshal(result, &set); err != nil {
		return fmt.Errorf("fix %s returned no artifact set: %w", jobID, err)
	}

	for _, f := range set.Files {
		if !filepath.IsLocal(f.Path) {
			return fmt.Errorf("fix %s wrote outside the project: %s", jobID, f.Path)
		}
		target := filepath.Join(a.dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	}
	return nil
}

// printApplier only shows the result
type printApplier struct {
	w io.Writer
}

func (a *printApplier) Apply(ctx context.Context, jobID string, result json.RawMessage) error {
	fmt.Fprintf(a.w, "Fix %s result:\n%s\n", jobID, string(result))
	return nil
}
