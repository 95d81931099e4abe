package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/intake"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/ops"
	"github.com/jimjrxieb/linkops/internal/scheduler"
	"github.com/jimjrxieb/linkops/internal/web"
)

// maxStdinBytes caps task descriptions read from stdin.
const maxStdinBytes = 1 << 20

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "linkops",
		Usage:   "Task routing and knowledge distillation for agent fleets",
		Version: Version,
		Commands: []*cli.Command{
			evaluateCmd(db, cfg),
			assignCmd(db, cfg),
			intakeCmd(db, cfg),
			completeCmd(db, cfg),
			historyCmd(db),
			recordCmd(db),
			sanitizeCmd(db),
			pendingCmd(db),
			fetchCmd(db),
			approveCmd(db),
			rejectCmd(db),
			knowledgeCmd(db),
			categoriesCmd(db),
			exportCmd(db, cfg),
			distillCmd(db, cfg),
			digestCmd(db),
			reconcileCmd(db, cfg),
			serveCmd(db, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func taskIDFlag() cli.Flag {
	return &cli.StringFlag{Name: "task-id", Aliases: []string{"t"}, Required: true, Usage: "Task identifier"}
}

// evaluateCmd creates the evaluate command.
func evaluateCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "evaluate",
		Usage:     "Classify a task and look for a reusable solution (description from args or stdin)",
		ArgsUsage: "[description]",
		Flags:     []cli.Flag{taskIDFlag()},
		Action: func(c *cli.Context) error {
			description, err := descriptionArg(c)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Evaluate(c.Context, db, cfg, ops.EvaluateInput{
				TaskID:      c.String("task-id"),
				Description: description,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// assignCmd creates the assign command.
func assignCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "assign",
		Usage: "Route a categorized task to a handler",
		Flags: []cli.Flag{
			taskIDFlag(),
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Category name"},
			&cli.StringFlag{Name: "options", Usage: "Comma-separated handlers to restrict routing to"},
			&cli.Float64Flag{Name: "confidence", Usage: "Category confidence in [0,1] (default: 1.0)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.AssignInput{
				TaskID:   c.String("task-id"),
				Category: c.String("category"),
				Options:  parseList(c.String("options")),
			}
			if c.IsSet("confidence") {
				v := c.Float64("confidence")
				input.Confidence = &v
			}
			output, err := ops.Assign(c.Context, db, cfg, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// intakeCmd creates the intake command.
func intakeCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "intake",
		Usage:     "Evaluate, assign and dispatch a task (description from args or stdin)",
		ArgsUsage: "[description]",
		Flags:     []cli.Flag{taskIDFlag()},
		Action: func(c *cli.Context) error {
			description, err := descriptionArg(c)
			if err != nil {
				return outputError(err)
			}
			dispatcher, closeDispatcher, err := openDispatcher(c.Context, cfg)
			if err != nil {
				return outputError(err)
			}
			defer closeDispatcher()

			output, err := ops.Intake(c.Context, db, cfg, dispatcher, ops.IntakeInput{
				TaskID:      c.String("task-id"),
				Description: description,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// completeCmd creates the complete command.
func completeCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "complete",
		Usage: "Report a finished task and release its handler",
		Flags: []cli.Flag{
			taskIDFlag(),
			&cli.StringFlag{Name: "handler", Usage: "Handler that did the work"},
			&cli.BoolFlag{Name: "failed", Usage: "Mark the task as failed"},
			&cli.StringFlag{Name: "detail", Aliases: []string{"d"}, Usage: "Outcome detail"},
			&cli.StringFlag{Name: "action", Aliases: []string{"a"}, Usage: "Action taken"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Complete(c.Context, db, cfg, ops.CompleteInput{
				TaskID:  c.String("task-id"),
				Handler: c.String("handler"),
				Success: !c.Bool("failed"),
				Detail:  c.String("detail"),
				Action:  c.String("action"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List every record logged for a task",
		ArgsUsage: "<task-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one task id is required"))
			}
			output, err := ops.TaskHistory(c.Context, db, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// recordCmd creates the record command.
func recordCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Append an agent activity record",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Required: true, Usage: "Source agent"},
			taskIDFlag(),
			&cli.StringFlag{Name: "type", Value: string(knowledge.RecordTask), Usage: "Record type"},
			&cli.StringFlag{Name: "action", Aliases: []string{"a"}, Required: true, Usage: "Action taken"},
			&cli.BoolFlag{Name: "failed", Usage: "Mark the action as failed"},
			&cli.StringFlag{Name: "detail", Aliases: []string{"d"}, Usage: "Outcome detail"},
			&cli.StringFlag{Name: "tags", Usage: "Comma-separated category tags"},
			&cli.Int64Flag{Name: "created-at", Usage: "Backfill timestamp in unix seconds"},
		},
		Action: func(c *cli.Context) error {
			input := ops.AppendRecordInput{
				SourceAgent:  c.String("source"),
				TaskID:       c.String("task-id"),
				RecordType:   knowledge.RecordType(c.String("type")),
				Action:       c.String("action"),
				Success:      !c.Bool("failed"),
				Detail:       c.String("detail"),
				CategoryTags: parseList(c.String("tags")),
			}
			if c.IsSet("created-at") {
				v := c.Int64("created-at")
				input.CreatedAt = &v
			}
			output, err := ops.AppendRecord(c.Context, db, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// sanitizeCmd creates the sanitize command.
func sanitizeCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "sanitize",
		Usage:     "Mark records as sanitized so they can be distilled",
		ArgsUsage: "<record-id>...",
		Action: func(c *cli.Context) error {
			output, err := ops.MarkSanitized(c.Context, db, ops.SanitizeInput{IDs: c.Args().Slice()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// pendingCmd creates the pending command.
func pendingCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List artifacts waiting for review",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Filter by category"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Max items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListPending(c.Context, db, ops.ListPendingInput{
				Category: optionalString(c, "category"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// fetchCmd creates the fetch command.
func fetchCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch an artifact with its action template",
		ArgsUsage: "<artifact-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one artifact id is required"))
			}
			output, err := ops.FetchArtifact(c.Context, db, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// approveCmd creates the approve command.
func approveCmd(db *sql.DB) *cli.Command {
	return decisionCmd("approve", "Approve a pending artifact", func(ctx context.Context, id string) (*ops.DecisionOutput, error) {
		return ops.Approve(ctx, db, ops.DecisionInput{ID: id})
	})
}

// rejectCmd creates the reject command.
func rejectCmd(db *sql.DB) *cli.Command {
	return decisionCmd("reject", "Reject a pending artifact", func(ctx context.Context, id string) (*ops.DecisionOutput, error) {
		return ops.Reject(ctx, db, ops.DecisionInput{ID: id})
	})
}

func decisionCmd(name, usage string, decide func(context.Context, string) (*ops.DecisionOutput, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<artifact-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one artifact id is required"))
			}
			output, err := decide(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// knowledgeCmd creates the knowledge command.
func knowledgeCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "knowledge",
		Usage: "List approved and auto-approved artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Filter by category"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListKnowledge(c.Context, db, optionalString(c, "category"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// categoriesCmd creates the categories command.
func categoriesCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "categories",
		Usage: "List knowledge categories",
		Action: func(c *cli.Context) error {
			output, err := ops.ListCategories(c.Context, db)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export effective knowledge to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Output path (default: <base>/exports/<category>-<timestamp>.jsonl)"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Filter by category"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ExportKnowledge(c.Context, db, cfg, ops.ExportInput{
				Path:     c.String("path"),
				Category: optionalString(c, "category"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// distillCmd creates the distill command.
func distillCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "distill",
		Usage: "Distill sanitized records into candidate artifacts (default: previous UTC day)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "UTC day as YYYY-MM-DD"},
			&cli.Int64Flag{Name: "start", Usage: "Window start in unix seconds (inclusive)"},
			&cli.Int64Flag{Name: "end", Usage: "Window end in unix seconds (exclusive)"},
		},
		Action: func(c *cli.Context) error {
			input, err := distillWindow(c, time.Now())
			if err != nil {
				return outputError(err)
			}

			locker, closeLocker, err := lease.Open(c.Context, db, cfg.RedisURL)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer func() { _ = closeLocker() }()

			output, err := ops.Distill(c.Context, db, cfg, locker, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// distillWindow resolves --date, --start/--end, or the day before now.
func distillWindow(c *cli.Context, now time.Time) (ops.DistillInput, error) {
	if date := c.String("date"); date != "" {
		day, err := time.ParseInLocation(ops.DateLayout, date, time.UTC)
		if err != nil {
			return ops.DistillInput{}, errors.NewInvalidRequest("date must be YYYY-MM-DD")
		}
		return ops.DistillInput{WindowStart: day.Unix(), WindowEnd: day.Add(24 * time.Hour).Unix()}, nil
	}
	if c.IsSet("start") || c.IsSet("end") {
		return ops.DistillInput{WindowStart: c.Int64("start"), WindowEnd: c.Int64("end")}, nil
	}
	start, end := scheduler.PreviousDay(now)
	return ops.DistillInput{WindowStart: start, WindowEnd: end}, nil
}

// digestCmd creates the digest command.
func digestCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "digest",
		Usage: "Summarize one UTC day",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "UTC day as YYYY-MM-DD (default: today)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "json", Usage: "Output format: json|markdown|pretty"},
		},
		Action: func(c *cli.Context) error {
			format := c.String("format")
			if format != "json" && format != "markdown" && format != "pretty" {
				return outputError(errors.NewInvalidRequest("format must be json, markdown or pretty"))
			}
			output, err := ops.Digest(c.Context, db, ops.DigestInput{Date: c.String("date")})
			if err != nil {
				return outputError(err)
			}
			switch format {
			case "markdown":
				_, err := io.WriteString(os.Stdout, ops.RenderMarkdown(output))
				return err
			case "pretty":
				text, err := renderTerminal(ops.RenderMarkdown(output))
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				_, err = io.WriteString(os.Stdout, text)
				return err
			}
			return outputJSON(output)
		},
	}
}

// reconcileCmd creates the reconcile command.
func reconcileCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Close stale assignments and repair handler load counters",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "stale-after", Usage: "Age after which an open assignment is stale (e.g. 12h)"},
		},
		Action: func(c *cli.Context) error {
			if c.Duration("stale-after") < 0 {
				return outputError(errors.NewInvalidRequest("stale-after must not be negative"))
			}
			output, err := ops.ReconcileLoad(c.Context, db, cfg, ops.ReconcileInput{
				StaleAfter: c.Duration("stale-after"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// serveCmd creates the serve command: HTTP API, scheduler and, when brokers
// are configured, the Kafka intake consumer.
func serveCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the distillation scheduler and Kafka intake",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default: http_addr from config)"},
			&cli.BoolFlag{Name: "no-scheduler", Usage: "Disable periodic distillation and reconciliation"},
			&cli.BoolFlag{Name: "no-intake", Usage: "Disable the Kafka intake consumer"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := zap.L().Named("serve")

			locker, closeLocker, err := lease.Open(ctx, db, cfg.RedisURL)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer func() { _ = closeLocker() }()

			dispatcher, closeDispatcher, err := openDispatcher(ctx, cfg)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer closeDispatcher()

			srv := web.NewServer(db, cfg, dispatcher, locker, Version)
			if addr := c.String("addr"); addr != "" {
				srv.Addr = addr
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return web.Run(gctx, srv) })

			if !c.Bool("no-scheduler") {
				sched := scheduler.New(db, cfg, locker)
				g.Go(func() error { return sched.Run(gctx) })
			}

			if len(cfg.KafkaBrokers) > 0 && !c.Bool("no-intake") {
				consumer, err := intake.NewConsumer(db, cfg, dispatcher)
				if err != nil {
					stop()
					_ = g.Wait()
					return outputError(errors.NewInternal(err))
				}
				defer consumer.Close()
				if err := consumer.EnsureTopics(gctx); err != nil {
					logger.Warn("could not create intake topics", zap.Error(err))
				}
				g.Go(func() error { return consumer.Run(gctx) })
			}

			return g.Wait()
		},
	}
}

// openDispatcher returns the Kafka dispatcher when brokers are configured,
// otherwise one that only logs. The close function is always non-nil.
func openDispatcher(ctx context.Context, cfg *config.Config) (dispatch.Dispatcher, func(), error) {
	logger := zap.L().Named("dispatch")
	if cfg == nil || len(cfg.KafkaBrokers) == 0 {
		return dispatch.NewLog(logger), func() {}, nil
	}

	d, err := dispatch.NewKafka(cfg.KafkaBrokers, cfg.DispatchTopicPrefix)
	if err != nil {
		return nil, nil, err
	}
	handlers := cfg.Routing.Handlers()
	if cfg.FallbackHandler != "" {
		handlers = append(handlers, cfg.FallbackHandler)
	}
	if err := d.EnsureTopics(ctx, handlers); err != nil {
		logger.Warn("could not create dispatch topics", zap.Error(err))
	}
	return d, d.Close, nil
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if lErr, ok := err.(*errors.LinkOpsError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", lErr.Code, lErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// descriptionArg joins positional args, or reads stdin when there are none.
func descriptionArg(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		return strings.Join(c.Args().Slice(), " "), nil
	}
	if !stdinHasData() {
		return "", errors.NewInvalidRequest("description must be given as arguments or piped via stdin")
	}
	text, err := readStdin(maxStdinBytes)
	if err != nil {
		return "", errors.NewInvalidRequest(err.Error())
	}
	return text, nil
}

// optionalString returns a pointer to the flag value when it is non-empty.
func optionalString(c *cli.Context, name string) *string {
	if v := c.String(name); v != "" {
		return &v
	}
	return nil
}

// renderTerminal styles markdown for a terminal.
func renderTerminal(md string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("notty"),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(md)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseList splits a comma-separated string into a slice of values.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
