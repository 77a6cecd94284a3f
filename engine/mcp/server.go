package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tianshu-ai/tianshu/pkg/version"
)

// optionFields are tool arguments forwarded verbatim as submit form fields.
var optionFields = []string{
	"backend", "lang", "method", "server_url",
	"formula_enable", "table_enable", "remove_watermark",
	"keep_audio", "enable_keyframe_ocr", "enable_speaker_diarization",
}

// Server exposes the parsing pipeline as MCP tools over stdio.
type Server struct {
	mcp    *server.MCPServer
	client *Client
}

func NewServer(client *Client) *Server {
	s := server.NewMCPServer(
		"tianshu",
		version.GetVersion(),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	srv := &Server{mcp: s, client: client}

	s.AddTool(mcp.NewTool("parse_document",
		mcp.WithDescription("Submit a document for parsing. Provide the file either as "+
			"base64 content (file_base64 + file_name) or as a URL the server downloads "+
			"(file_url). Returns the created task; poll get_task_status for results."),
		mcp.WithString("file_base64", mcp.Description("Base64-encoded file content")),
		mcp.WithString("file_name", mcp.Description("File name, required with file_base64")),
		mcp.WithString("file_url", mcp.Description("URL of the file to download server-side")),
		mcp.WithString("backend", mcp.Description("Parsing engine; defaults to auto dispatch")),
		mcp.WithNumber("priority", mcp.Description("Higher numbers are claimed first")),
		mcp.WithString("lang", mcp.Description("Document language hint, e.g. en, zh")),
	), srv.handleParseDocument)

	s.AddTool(mcp.NewTool("get_task_status",
		mcp.WithDescription("Fetch a task by id. Completed tasks can inline their "+
			"results via format=markdown, json or both."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("format", mcp.Description("Result format to inline: markdown, json or both")),
	), srv.handleGetTaskStatus)

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks visible to the configured API key."),
		mcp.WithString("status", mcp.Description("Filter: pending, processing, completed, failed or cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return, default 100")),
	), srv.handleListTasks)

	s.AddTool(mcp.NewTool("get_queue_stats",
		mcp.WithDescription("Queue depth per status."),
	), srv.handleQueueStats)

	return srv
}

// Run serves MCP over stdio until the peer disconnects.
func (s *Server) Run(_ context.Context) error {
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp: stdio server: %w", err)
	}
	return nil
}

func (s *Server) handleParseDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fileName, data, err := s.resolveFile(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields := map[string]string{}
	for _, field := range optionFields {
		if v := req.GetString(field, ""); v != "" {
			fields[field] = v
		}
	}
	if priority := req.GetInt("priority", 0); priority != 0 {
		fields["priority"] = strconv.Itoa(priority)
	}
	raw, err := s.client.SubmitFile(ctx, fileName, data, fields)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// resolveFile materializes the submitted file from whichever input the
// caller used.
func (s *Server) resolveFile(ctx context.Context, req mcp.CallToolRequest) (string, []byte, error) {
	encoded := req.GetString("file_base64", "")
	fileURL := req.GetString("file_url", "")
	switch {
	case encoded != "" && fileURL != "":
		return "", nil, fmt.Errorf("provide either file_base64 or file_url, not both")
	case encoded != "":
		fileName := req.GetString("file_name", "")
		if fileName == "" {
			return "", nil, fmt.Errorf("file_name is required with file_base64")
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", nil, fmt.Errorf("file_base64 is not valid base64: %v", err)
		}
		return fileName, data, nil
	case fileURL != "":
		data, err := s.client.FetchRemote(ctx, fileURL)
		if err != nil {
			return "", nil, err
		}
		fileName := req.GetString("file_name", "")
		if fileName == "" {
			fileName = path.Base(fileURL)
		}
		return fileName, data, nil
	default:
		return "", nil, fmt.Errorf("provide file_base64 with file_name, or file_url")
	}
}

func (s *Server) handleGetTaskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := s.client.GetTask(ctx, taskID, req.GetString("format", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) handleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := s.client.ListTasks(ctx, req.GetString("status", ""), req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) handleQueueStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := s.client.QueueStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
