// Package mcp exposes the decision gateway over the Model Context Protocol
// so MCP-compatible agents can request decisions, search memory, and verify
// the audit chain without going through the HTTP surface.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/pipeline"
	"github.com/veritas-ai/veritas/internal/trustlog"
)

const serverInstructions = `You have access to VERITAS, an auditable decision gateway.

TOOLS:
- veritas_decide: run a natural-language decision request through the full
  pipeline (evidence, debate, value scoring, FUJI safety gate). Every call is
  recorded in a signed, hash-chained trust log.
- veritas_search_memory: semantic search over the gateway's memory substrate.
- veritas_verify_trustlog: verify the signed audit chain end to end.

A "deny" decision is a policy outcome, not an error: read fuji.rejection for
the FUJI code and the recommended feedback action.`

// Server wraps the MCP server around the pipeline and its substrates.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	orchestrator *pipeline.Orchestrator
	memory       *memory.Store
	trustLog     *trustlog.Log
	logger       *slog.Logger
}

// New configures the MCP server with all tools registered.
func New(orchestrator *pipeline.Orchestrator, mem *memory.Store, log *trustlog.Log, logger *slog.Logger, version string) *Server {
	s := &Server{
		orchestrator: orchestrator,
		memory:       mem,
		trustLog:     log,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"veritas",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for transport setup (stdio or
// streamable HTTP).
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_decide",
			mcplib.WithDescription("Run a decision request through the audited pipeline. Returns the chosen alternative, ranked alternatives, the FUJI gate outcome, and the trust-log id."),
			mcplib.WithString("query",
				mcplib.Description("The natural-language decision request."),
				mcplib.Required(),
			),
			mcplib.WithNumber("stakes",
				mcplib.Description("How consequential the decision is (0-1). High stakes raise the evidence bar."),
				mcplib.Min(0), mcplib.Max(1),
			),
			mcplib.WithBoolean("fast_mode",
				mcplib.Description("Skip optional I/O (web search, deep debate)."),
			),
		),
		s.handleDecide,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_search_memory",
			mcplib.WithDescription("Semantic search over the gateway memory (episodic, semantic, skills)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("What to look for."),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum hits to return."),
				mcplib.Min(1), mcplib.Max(50), mcplib.DefaultNumber(8),
			),
		),
		s.handleSearchMemory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_verify_trustlog",
			mcplib.WithDescription("Verify the signed hash chain of the trust log. Any reported issue means tampering."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleVerifyTrustLog,
	)
}

func (s *Server) handleDecide(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return errorResult("query is required"), nil
	}

	decisionReq := model.DecisionRequest{
		Query:    query,
		FastMode: req.GetBool("fast_mode", false),
	}
	if stakes := req.GetFloat("stakes", 0); stakes > 0 {
		decisionReq.Context = map[string]any{"stakes": stakes}
	}

	resp, err := s.orchestrator.Decide(ctx, decisionReq)
	if err != nil {
		s.logger.Error("mcp: decide failed", "error", err)
		return errorResult("decision pipeline failure"), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSearchMemory(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return errorResult("query is required"), nil
	}
	limit := req.GetInt("limit", 8)

	hits, err := s.memory.Search(ctx, query, limit, nil, 0.25)
	if err != nil {
		s.logger.Error("mcp: memory search failed", "error", err)
		return errorResult("memory search failure"), nil
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	return jsonResult(map[string]any{"hits": hits})
}

func (s *Server) handleVerifyTrustLog(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	result, err := s.trustLog.Verify()
	if err != nil {
		s.logger.Error("mcp: trust log verify failed", "error", err)
		return errorResult("trust log verification failure"), nil
	}
	return jsonResult(result)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("failed to serialize result"), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
