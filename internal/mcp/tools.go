package mcp

import "github.com/mark3labs/mcp-go/mcp"

var evaluateToolDef = mcp.NewTool("task_evaluate",
	mcp.WithDescription("Classify a task description into a category and check approved knowledge for a reusable solution. Logs an evaluation record."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Caller-supplied task identifier")),
	mcp.WithString("description", mcp.Required(), mcp.Description("Free-form task description")),
)

var assignToolDef = mcp.NewTool("task_assign",
	mcp.WithDescription("Pick the best handler for a categorized task by category fit, capability and current load. Falls back to a human when nobody qualifies."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
	mcp.WithString("category", mcp.Required(), mcp.Description("Category name from task_evaluate")),
	mcp.WithArray("options", mcp.WithStringItems(), mcp.Description("Restrict routing to these handlers")),
	mcp.WithNumber("confidence", mcp.Description("Category confidence in [0,1] (default: 1.0)")),
)

var intakeToolDef = mcp.NewTool("task_intake",
	mcp.WithDescription("Evaluate, assign and dispatch a task in one call."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
	mcp.WithString("description", mcp.Required(), mcp.Description("Free-form task description")),
)

var completeToolDef = mcp.NewTool("task_complete",
	mcp.WithDescription("Report a finished task. Closes the open assignment, releases handler load and logs a completion record."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
	mcp.WithString("handler", mcp.Description("Handler that did the work")),
	mcp.WithBoolean("success", mcp.Required(), mcp.Description("Whether the task succeeded")),
	mcp.WithString("detail", mcp.Description("Outcome detail")),
	mcp.WithString("action", mcp.Description("Action taken (default: complete <task_id>)")),
)

var historyToolDef = mcp.NewTool("task_history",
	mcp.WithDescription("List every record logged for a task, oldest first."),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var appendRecordToolDef = mcp.NewTool("record_append",
	mcp.WithDescription("Append an agent activity record to the log."),
	mcp.WithString("source_agent", mcp.Required(), mcp.Description("Agent that produced the record")),
	mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
	mcp.WithString("record_type", mcp.Description("Record type (default: task)"),
		mcp.Enum("task", "qa", "solution", "extraction", "evaluation", "assignment", "completion")),
	mcp.WithString("action", mcp.Required(), mcp.Description("Action taken")),
	mcp.WithBoolean("success", mcp.Description("Whether the action succeeded")),
	mcp.WithString("detail", mcp.Description("Outcome detail")),
	mcp.WithArray("category_tags", mcp.WithStringItems(), mcp.Description("Optional category hints")),
	mcp.WithNumber("created_at", mcp.Description("Backfill timestamp in unix seconds")),
)

var sanitizeToolDef = mcp.NewTool("record_sanitize",
	mcp.WithDescription("Mark records as sanitized. Only sanitized records are distilled."),
	mcp.WithArray("ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Record IDs")),
)

var listPendingToolDef = mcp.NewTool("artifact_list_pending",
	mcp.WithDescription("List artifacts waiting for review, strongest signal first."),
	mcp.WithString("category", mcp.Description("Filter by category name")),
	mcp.WithNumber("limit", mcp.Description("Max items (default: 20, max: 100)")),
	mcp.WithNumber("offset", mcp.Description("Pagination offset")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var fetchArtifactToolDef = mcp.NewTool("artifact_fetch",
	mcp.WithDescription("Fetch one artifact with its decoded action template."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Artifact ID")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var approveToolDef = mcp.NewTool("artifact_approve",
	mcp.WithDescription("Approve a pending artifact and merge it into its category's knowledge."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Artifact ID")),
)

var rejectToolDef = mcp.NewTool("artifact_reject",
	mcp.WithDescription("Reject a pending artifact. Rejection is final."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Artifact ID")),
)

var listKnowledgeToolDef = mcp.NewTool("knowledge_list",
	mcp.WithDescription("List approved and auto-approved artifacts."),
	mcp.WithString("category", mcp.Description("Filter by category name")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var exportToolDef = mcp.NewTool("knowledge_export",
	mcp.WithDescription("Export effective knowledge to a JSONL file."),
	mcp.WithString("path", mcp.Description("Output path (default: <base>/exports/<category>-<timestamp>.jsonl)")),
	mcp.WithString("category", mcp.Description("Filter by category name")),
)

var listCategoriesToolDef = mcp.NewTool("category_list",
	mcp.WithDescription("List categories with their owners and knowledge counts."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var distillToolDef = mcp.NewTool("distill_run",
	mcp.WithDescription("Distill sanitized records in a time window into candidate artifacts. Give either a UTC date or an explicit window."),
	mcp.WithString("date", mcp.Description("UTC day as YYYY-MM-DD")),
	mcp.WithNumber("window_start", mcp.Description("Window start in unix seconds (inclusive)")),
	mcp.WithNumber("window_end", mcp.Description("Window end in unix seconds (exclusive)")),
)

var digestToolDef = mcp.NewTool("digest_get",
	mcp.WithDescription("Summarize one UTC day of records and artifact decisions."),
	mcp.WithString("date", mcp.Description("UTC day as YYYY-MM-DD (default: today)")),
	mcp.WithString("format", mcp.Description("Output format (default: json)"), mcp.Enum("json", "markdown")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var reconcileToolDef = mcp.NewTool("load_reconcile",
	mcp.WithDescription("Close stale assignments and reset handler load counters to their open assignment counts."),
	mcp.WithNumber("stale_after_minutes", mcp.Description("Age after which an open assignment is stale")),
)
