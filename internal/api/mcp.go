package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/queue"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue   QueueService
	Capture CaptureService
	Version string
}

// NewMCPServer creates an MCP server with all tether tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tether",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tether: capture notes about people. Notes are previewed before anything is saved, and queued while offline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("capture_note",
			mcp.WithDescription("Capture a free-text note about a person. Returns a preview to confirm, or says the note was queued."),
			mcp.WithString("text", mcp.Description("The note text"), mcp.Required()),
		),
		mcpCaptureNote(deps),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List notes waiting in the offline queue."),
			mcp.WithString("status", mcp.Description("Filter by status: pending, processing or failed")),
		),
		mcpListQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_preview",
			mcp.WithDescription("Save the active preview, optionally correcting the contact name or summary."),
			mcp.WithString("preview_id", mcp.Description("Preview to confirm (defaults to the active one)")),
			mcp.WithString("contact_name", mcp.Description("Corrected contact name")),
			mcp.WithString("summary", mcp.Description("Corrected summary")),
		),
		mcpConfirmPreview(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_preview",
			mcp.WithDescription("Close the active preview without saving. A queued note goes back to the queue."),
			mcp.WithString("preview_id", mcp.Description("Preview to cancel (defaults to the active one)")),
		),
		mcpCancelPreview(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Notes",
			mcp.WithResourceDescription("Notes waiting to be processed, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpCaptureNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		res, err := deps.Capture.Capture(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("capture failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpListQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			notes []queue.Note
			err   error
		)
		if s := req.GetString("status", ""); s != "" {
			st, perr := queue.ParseStatus(s)
			if perr != nil {
				return mcpError(perr.Error()), nil
			}
			notes, err = deps.Queue.ListByStatus(ctx, st)
		} else {
			notes, err = deps.Queue.ListQueued(ctx)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("listing queue: %v", err)), nil
		}
		if notes == nil {
			notes = []queue.Note{}
		}
		return mcpJSON(notes)
	}
}

// previewID returns the preview_id argument or the active preview's id.
func previewID(deps MCPDeps, req mcp.CallToolRequest) (string, bool) {
	if id := req.GetString("preview_id", ""); id != "" {
		return id, true
	}
	if pv := deps.Capture.Active(); pv != nil {
		return pv.ID, true
	}
	return "", false
}

func mcpConfirmPreview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := previewID(deps, req)
		if !ok {
			return mcpError(capture.ErrNoPreview.Error()), nil
		}

		var edits capture.Edits
		if name := req.GetString("contact_name", ""); name != "" {
			edits.ContactName = &name
		}
		if summary := req.GetString("summary", ""); summary != "" {
			edits.Summary = &summary
		}

		res, err := deps.Capture.Confirm(ctx, id, edits)
		if err != nil {
			return mcpError(fmt.Sprintf("confirm failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpCancelPreview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := previewID(deps, req)
		if !ok {
			return mcpError(capture.ErrNoPreview.Error()), nil
		}
		if err := deps.Capture.Cancel(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled preview %s", id)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		notes, err := deps.Queue.ListByStatus(ctx, queue.StatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending notes: %w", err)
		}
		if notes == nil {
			notes = []queue.Note{}
		}

		b, err := json.Marshal(notes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
