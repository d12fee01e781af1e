package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/smilemakc/agentflow/pkg/executor"
)

// MCPToolExecutor calls one tool on a stdio MCP server, connecting,
// initializing, invoking, and tearing the connection down within a
// single task attempt.
type MCPToolExecutor struct {
	*executor.BaseExecutor
}

// NewMCPToolExecutor builds an mcp_tool executor.
func NewMCPToolExecutor() *MCPToolExecutor {
	return &MCPToolExecutor{BaseExecutor: executor.NewBaseExecutor("mcp_tool")}
}

// Validate checks that the config names a server command and a tool.
func (e *MCPToolExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "server_command", "tool")
}

// Execute connects to the configured MCP server over stdio, calls the
// named tool with the resolved params, and returns its text content.
func (e *MCPToolExecutor) Execute(ctx context.Context, config map[string]any) (*executor.Result, error) {
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	command, err := e.GetString(config, "server_command")
	if err != nil {
		return nil, err
	}
	tool, err := e.GetString(config, "tool")
	if err != nil {
		return nil, err
	}

	var args []string
	if raw, ok := config["server_args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	var env []string
	if raw, ok := config["server_env"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env = append(env, k+"="+s)
			}
		}
	}
	params, _ := config["params"].(map[string]any)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stdioTransport := transport.NewStdio(command, env, args...)
	mcpClient := client.NewClient(stdioTransport)
	if err := mcpClient.Start(connectCtx); err != nil {
		return nil, fmt.Errorf("mcp_tool executor: start server: %w", err)
	}
	defer mcpClient.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentflow", Version: "1.0.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	if _, err := mcpClient.Initialize(connectCtx, initReq); err != nil {
		return nil, fmt.Errorf("mcp_tool executor: initialize: %w", err)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = params

	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("mcp_tool executor: call %s: %w", tool, err)
	}

	if result.IsError {
		if len(result.Content) > 0 {
			if text, ok := mcp.AsTextContent(result.Content[0]); ok {
				return nil, fmt.Errorf("mcp_tool executor: tool %s failed: %s", tool, text.Text)
			}
		}
		return nil, fmt.Errorf("mcp_tool executor: tool %s failed", tool)
	}

	if len(result.Content) == 0 {
		return &executor.Result{Metadata: map[string]any{"server": command, "tool": tool}}, nil
	}

	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return &executor.Result{Metadata: map[string]any{"server": command, "tool": tool}}, nil
	}

	out := text.Text
	var structured any
	metadata := map[string]any{"server": command, "tool": tool}
	if err := json.Unmarshal([]byte(out), &structured); err == nil {
		metadata["structured"] = structured
	}

	return &executor.Result{Output: out, HasOutput: out != "", Metadata: metadata}, nil
}
