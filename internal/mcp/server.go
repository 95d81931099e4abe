package mcp

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/lease"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"task", "record", "artifact", "knowledge", "category", "distill", "digest", "load"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"task_evaluate": {
		def:     evaluateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEvaluate },
	},
	"task_assign": {
		def:     assignToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAssign },
	},
	"task_intake": {
		def:     intakeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIntake },
	},
	"task_complete": {
		def:     completeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleComplete },
	},
	"task_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
	"record_append": {
		def:     appendRecordToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAppendRecord },
	},
	"record_sanitize": {
		def:     sanitizeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSanitize },
	},
	"artifact_list_pending": {
		def:     listPendingToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListPending },
	},
	"artifact_fetch": {
		def:     fetchArtifactToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFetchArtifact },
	},
	"artifact_approve": {
		def:     approveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleApprove },
	},
	"artifact_reject": {
		def:     rejectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReject },
	},
	"knowledge_list": {
		def:     listKnowledgeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListKnowledge },
	},
	"knowledge_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"category_list": {
		def:     listCategoriesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListCategories },
	},
	"distill_run": {
		def:     distillToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDistill },
	},
	"digest_get": {
		def:     digestToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDigest },
	},
	"load_reconcile": {
		def:     reconcileToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReconcile },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "task_assign" → "task").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates a new MCP server with LinkOps tools registered.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(db *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, locker lease.Locker, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"linkops",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(db, cfg, dispatcher, locker)

	// Expand types first, then add individual tools.
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(db *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, locker lease.Locker, version string) error {
	s := NewServer(db, cfg, dispatcher, locker, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
