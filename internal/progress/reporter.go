// Package progress is the producer side of the job protocol: it reports
// progress entries and final outcomes to the gateway.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgeline/jobsync/pkg/types"
)

// Reporter sends progress updates to the gateway
type Reporter struct {
	gatewayURL string
	token      string
	producer   string
	httpClient *http.Client
}

// NewReporter creates a reporter that identifies itself as producer.
// token must carry the service role.
func NewReporter(gatewayURL, token, producer string) *Reporter {
	return &Reporter{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		token:      token,
		producer:   producer,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// ReportProgress sends a progress update. Delivery failures are logged and
// swallowed: a lost progress entry must not stop the work it describes.
func (r *Reporter) ReportProgress(ctx context.Context, jobID string, report types.ProgressReport) error {
	if jobID == "" {
		return nil
	}
	if report.Producer == "" {
		report.Producer = r.producer
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	report.Timestamp = types.StoreTime(report.Timestamp)

	status, err := r.post(ctx, jobID, "progress", report)
	if err != nil {
		slog.Warn("Failed to send progress update", "job", jobID, "error", err)
		return nil
	}
	if status != http.StatusOK {
		slog.Warn("Progress update returned non-200 status", "job", jobID, "status", status)
	}
	return nil
}

// ReportFinal sends the job outcome. Unlike progress, failures are returned
// so the caller can redeliver through its result queue.
func (r *Reporter) ReportFinal(ctx context.Context, jobID string, report types.FinalReport) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := report.Update(jobID); err != nil {
		return err
	}
	if report.Producer == "" {
		report.Producer = r.producer
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	report.Timestamp = types.StoreTime(report.Timestamp)

	status, err := r.post(ctx, jobID, "final", report)
	if err != nil {
		return fmt.Errorf("failed to send final status: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("final status for job %s rejected with %d", jobID, status)
	}

	slog.Info("Final status reported", "job", jobID, "status", report.Status)
	return nil
}

func (r *Reporter) post(ctx context.Context, jobID, endpoint string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s update: %w", endpoint, err)
	}

	target := fmt.Sprintf("%s/jobs/%s/%s", r.gatewayURL, url.PathEscape(jobID), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
