//go:build integration

package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/mcp"
	"github.com/forgeline/jobsync/pkg/types"
)

func newServer(t *testing.T) (*mcp.Server, *jobs.Store) {
	t.Helper()
	store := jobs.NewStore()
	submitter := jobs.NewSubmitter(store, nil, nil)
	t.Cleanup(submitter.Wait)
	return mcp.NewServer(store, submitter, "0.1.0"), store
}

// rpc sends one JSON-RPC message straight to the MCP server
func rpc(t *testing.T, srv *mcp.Server, id int, method string, params any) map[string]any {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := srv.GetMCPServer().HandleMessage(context.Background(), raw)
	encoded, err := json.Marshal(resp)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(encoded, &out))
	return out
}

func TestMCPProtocol_Initialize(t *testing.T) {
	srv, _ := newServer(t)
	handler := mcpserver.NewStreamableHTTPServer(srv.GetMCPServer())

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var response map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	assert.Equal(t, "2.0", response["jsonrpc"])
	assert.Equal(t, float64(1), response["id"])

	result, ok := response["result"].(map[string]any)
	require.True(t, ok, "result object")
	assert.NotNil(t, result["protocolVersion"])

	serverInfo, ok := result["serverInfo"].(map[string]any)
	require.True(t, ok, "serverInfo object")
	assert.Equal(t, "jobsync-gateway", serverInfo["name"])
	assert.Equal(t, "0.1.0", serverInfo["version"])

	capabilities, ok := result["capabilities"].(map[string]any)
	require.True(t, ok, "capabilities object")
	assert.NotNil(t, capabilities["tools"])
}

func TestMCPProtocol_ListTools(t *testing.T) {
	srv, _ := newServer(t)

	response := rpc(t, srv, 2, "tools/list", map[string]any{})
	result, ok := response["result"].(map[string]any)
	require.True(t, ok, "result object: %v", response)

	toolsList, ok := result["tools"].([]any)
	require.True(t, ok, "tools array")

	names := make(map[string]bool)
	for _, raw := range toolsList {
		tool := raw.(map[string]any)
		names[tool["name"].(string)] = true
		assert.NotEmpty(t, tool["description"])

		schema, ok := tool["inputSchema"].(map[string]any)
		require.True(t, ok, "inputSchema for %v", tool["name"])
		assert.Equal(t, "object", schema["type"])
	}

	for _, name := range []string{mcp.ToolSubmitJob, mcp.ToolGetJob, mcp.ToolCancelJob, mcp.ToolRetryJob} {
		assert.True(t, names[name], "tool %s listed", name)
	}
}

func TestMCPProtocol_CallTool(t *testing.T) {
	srv, store := newServer(t)

	response := rpc(t, srv, 3, "tools/call", map[string]any{
		"name": mcp.ToolSubmitJob,
		"arguments": map[string]any{
			"owner":  "u1",
			"kind":   "generation",
			"params": map[string]any{"prompt": "landing page"},
		},
	})
	result, ok := response["result"].(map[string]any)
	require.True(t, ok, "result object: %v", response)
	assert.NotEqual(t, true, result["isError"])

	structured, ok := result["structuredContent"].(map[string]any)
	require.True(t, ok, "structured content")
	id, _ := structured["id"].(string)
	require.NotEmpty(t, id)

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "u1", job.OwnerID)

	response = rpc(t, srv, 4, "tools/call", map[string]any{
		"name":      mcp.ToolGetJob,
		"arguments": map[string]any{"id": "missing"},
	})
	result, ok = response["result"].(map[string]any)
	require.True(t, ok, "result object: %v", response)
	assert.Equal(t, true, result["isError"])
}

func TestMCPProtocol_ParameterValidation(t *testing.T) {
	srv, store := newServer(t)

	response := rpc(t, srv, 5, "tools/call", map[string]any{
		"name":      mcp.ToolSubmitJob,
		"arguments": map[string]any{"kind": "generation"},
	})
	result, ok := response["result"].(map[string]any)
	require.True(t, ok, "result object: %v", response)
	assert.Equal(t, true, result["isError"])

	list, err := store.List("u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
