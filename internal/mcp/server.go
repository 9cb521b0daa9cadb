// Package mcp exposes job submission and control as MCP tools so agents can
// drive the gateway the same way observers do over REST.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/pkg/types"
)

const (
	ToolSubmitJob = "submit_job"
	ToolGetJob    = "get_job"
	ToolCancelJob = "cancel_job"
	ToolRetryJob  = "retry_job"
)

// Server wraps the mark3labs MCP server
type Server struct {
	mcpServer *server.MCPServer
	store     jobs.JobStore
	submitter *jobs.Submitter
}

// NewServer creates the MCP server with every job tool registered
func NewServer(store jobs.JobStore, submitter *jobs.Submitter, version string) *Server {
	s := &Server{
		store:     store,
		submitter: submitter,
	}

	s.mcpServer = server.NewMCPServer(
		"jobsync-gateway",
		version,
		server.WithToolCapabilities(false), // Tools don't change at runtime
	)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	kinds := []string{
		string(types.JobKindChat),
		string(types.JobKindGeneration),
		string(types.JobKindDeployment),
		string(types.JobKindFix),
	}

	s.mcpServer.AddTool(mcp.NewTool(
		ToolSubmitJob,
		mcp.WithDescription("Submit an asynchronous job and return its id"),
		mcp.WithString("owner",
			mcp.Required(),
			mcp.Description("Owner the job belongs to; observers of this owner receive its events"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Producer family that computes the job"),
			mcp.Enum(kinds...),
		),
		mcp.WithObject("params",
			mcp.Description("Work parameters handed to the producer as-is"),
		),
	), s.handleSubmitJob)

	s.mcpServer.AddTool(mcp.NewTool(
		ToolGetJob,
		mcp.WithDescription("Fetch a job's status, progress, log and outcome"),
		jobIDArg(),
	), s.handleGetJob)

	s.mcpServer.AddTool(mcp.NewTool(
		ToolCancelJob,
		mcp.WithDescription("Cancel a job; finished jobs are left unchanged"),
		jobIDArg(),
	), s.handleCancelJob)

	s.mcpServer.AddTool(mcp.NewTool(
		ToolRetryJob,
		mcp.WithDescription("Create a new job from a failed one and return the new id"),
		jobIDArg(),
	), s.handleRetryJob)
}

func jobIDArg() mcp.ToolOption {
	return mcp.WithString("id", mcp.Required(), mcp.Description("Job id"))
}

func (s *Server) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := request.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job := &types.Job{OwnerID: owner, Kind: types.JobKind(kind)}
	if params, ok := request.GetArguments()["params"]; ok && params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", err)), nil
		}
		job.Params = raw
	}

	if err := s.submitter.Submit(job); err != nil {
		slog.Warn("MCP job submission rejected", "owner", owner, "kind", kind, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	message := fmt.Sprintf(
		"Job created successfully with ID: %s\n\nUse the following endpoints:\n"+
			"- Status: GET /jobs/%s\n"+
			"- Real-time updates: GET /jobs/%s/stream (SSE) or room %q on /ws",
		job.ID, job.ID, job.ID, owner,
	)
	return mcp.NewToolResultStructured(map[string]string{"id": job.ID}, message), nil
}

func (s *Server) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.store.Get(id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultJSON(job)
}

func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.store.Cancel(id); err != nil {
		return toolError(err), nil
	}
	job, err := s.store.Get(id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job %s is %s", id, job.Status)), nil
}

func (s *Server) handleRetryJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	retry, err := s.submitter.Retry(id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultStructured(
		map[string]string{"id": retry.ID, "retryOf": id},
		fmt.Sprintf("Job %s retried as %s", id, retry.ID),
	), nil
}

// toolError reports store failures to the calling agent as tool errors
// rather than protocol errors.
func toolError(err error) *mcp.CallToolResult {
	if !errors.Is(err, types.ErrNotFound) {
		slog.Warn("MCP tool failed", "error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

// ToolHandler returns the handler registered for name, or nil
func (s *Server) ToolHandler(name string) server.ToolHandlerFunc {
	tool := s.mcpServer.GetTool(name)
	if tool == nil {
		return nil
	}
	return tool.Handler
}

// GetMCPServer returns the underlying MCP server for HTTP integration
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
