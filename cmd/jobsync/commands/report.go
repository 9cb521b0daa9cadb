package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/forgeline/jobsync/internal/progress"
	"github.com/forgeline/jobsync/pkg/types"
)

// ReportAction posts a progress entry or, with --final, the job outcome.
// The token must carry the service role.
func ReportAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}

	ac, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer ac.Close()

	producer := cmd.String("producer")
	if producer == "" {
		producer = ac.Config.Producer
	}
	reporter := progress.NewReporter(ac.Config.GatewayURL, ac.Config.Token, producer)

	if final := cmd.String("final"); final != "" {
		report, err := finalReport(final, cmd.String("result"), cmd.String("error"))
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		if err := reporter.ReportFinal(ctx, jobID, report); err != nil {
			return err
		}
		fmt.Fprintf(outputOf(cmd), "Reported %s for %s\n", report.Status, jobID)
		return nil
	}

	report := types.ProgressReport{
		Phase:   cmd.String("phase"),
		Message: cmd.String("message"),
	}
	if cmd.IsSet("progress") {
		percent := cmd.Int("progress")
		if percent < 0 || percent > 100 {
			return cli.Exit("--progress must be between 0 and 100", exitUsage)
		}
		report.Progress = &percent
	}
	if report.Progress == nil && report.Phase == "" && report.Message == "" {
		return cli.Exit("nothing to report: set --progress, --phase, --message or --final", exitUsage)
	}

	// progress delivery is best effort
	return reporter.ReportProgress(ctx, jobID, report)
}

func finalReport(status, result, errMsg string) (types.FinalReport, error) {
	report := types.FinalReport{
		Status: types.JobStatus(status),
		Error:  errMsg,
	}
	if result != "" {
		if !json.Valid([]byte(result)) {
			return report, fmt.Errorf("--result must be valid JSON")
		}
		report.Result = json.RawMessage(result)
	}
	if _, err := report.Update(""); err != nil {
		return report, err
	}
	return report, nil
}
