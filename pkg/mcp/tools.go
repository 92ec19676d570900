package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// handleTrigger records an event and queues the workflows bound to it.
func (s *EventflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventName, err := req.RequireString("eventname")
	if err != nil {
		return mcp.NewToolResultError("eventname is required"), nil
	}

	ev := &schema.EventRecord{
		EventName: eventName,
		Origin:    req.GetString("origin", "mcp"),
	}
	if data := mcp.ParseStringMap(req, "data", nil); data != nil {
		raw, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid data: %v", marshalErr)), nil
		}
		ev.Data = raw
	}
	if extra := mcp.ParseStringMap(req, "logextra", nil); extra != nil {
		raw, marshalErr := json.Marshal(extra)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid logextra: %v", marshalErr)), nil
		}
		ev.LogExtra = raw
	}

	queued, dispatchErr := s.queue.Dispatch(ctx, ev)
	if dispatchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispatchErr)), nil
	}

	// Sessions watch what they trigger so they hear about the outcome.
	s.captureSession(ctx, queued)

	ids := make([]string, 0, len(queued))
	for _, exec := range queued {
		ids = append(ids, exec.ID)
	}
	out := map[string]any{
		"event_id":      ev.ID,
		"execution_ids": ids,
	}

	if req.GetBool("run", false) && s.worker != nil {
		results := make([]*engine.RunResult, 0, len(queued))
		for _, exec := range queued {
			res, runErr := s.worker.RunNow(ctx, exec.ID)
			if runErr != nil {
				if schema.HasCode(runErr, schema.ErrCodeConflict) {
					continue
				}
				return mcp.NewToolResultError(fmt.Sprintf("execution %s failed to run: %v", exec.ID, runErr)), nil
			}
			results = append(results, res)
		}
		out["results"] = results
	}

	return marshalResult(out)
}

// handleStatus returns an execution and its history.
func (s *EventflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	history, histErr := s.store.ListHistory(ctx, executionID)
	if histErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", histErr)), nil
	}

	out := map[string]any{
		"execution": exec,
		"history":   history,
	}
	if len(exec.LastError) > 0 {
		out["last_error"] = json.RawMessage(exec.LastError)
	}
	return marshalResult(out)
}

// handleQuery lists executions, workflows, or step classes.
func (s *EventflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	if filter == nil {
		filter = map[string]any{}
	}

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "steps":
		return s.querySteps()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *EventflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		EventID:    extractString(filter, "event_id"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": nonNil(execs)})
}

func (s *EventflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		EventName: extractString(filter, "event_name"),
		Limit:     extractInt(filter, "limit", 0),
	}
	if v, ok := filter["active"].(bool); ok {
		wf.ActiveOnly = v
	}

	wfs, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": nonNil(wfs)})
}

func (s *EventflowServer) querySteps() (*mcp.CallToolResult, error) {
	out := map[string]any{}
	if s.catalog != nil {
		out["steps"] = s.catalog.Steps()
	}
	if s.executor != nil {
		out["circuits"] = nonNil(s.executor.Breakers().Snapshot())
	}
	return marshalResult(out)
}

// handleFields reports learned and declared fields for a workflow.
func (s *EventflowServer) handleFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	report, fieldsErr := s.catalog.Fields(ctx, workflowID)
	if fieldsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fields query failed: %v", fieldsErr)), nil
	}
	return marshalResult(report)
}

// handleApply stores a workflow bundle.
func (s *EventflowServer) handleApply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "bundle", nil)
	if raw == nil {
		return mcp.NewToolResultError("bundle is required"), nil
	}

	// Marshal then unmarshal the bundle to get a proper WorkflowBundle.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid bundle: %v", marshalErr)), nil
	}
	var b schema.WorkflowBundle
	if unmarshalErr := json.Unmarshal(data, &b); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid bundle: %v", unmarshalErr)), nil
	}

	wf, applyErr := s.catalog.Apply(ctx, &b)
	if applyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("apply failed: %v", applyErr)), nil
	}
	return marshalResult(wf)
}

// --- Helpers ---

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// captureSession maps each queued execution to the caller's MCP session.
func (s *EventflowServer) captureSession(ctx context.Context, queued []*store.Execution) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	for _, exec := range queued {
		s.watches.Watch(exec.ID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
