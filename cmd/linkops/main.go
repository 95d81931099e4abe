package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/logging"
	"github.com/jimjrxieb/linkops/internal/mcp"
	"github.com/jimjrxieb/linkops/internal/ops"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// homeEnv overrides the base directory.
const homeEnv = "LINKOPS_HOME"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"evaluate": true, "assign": true, "intake": true, "complete": true, "history": true,
	"record": true, "sanitize": true,
	"pending": true, "fetch": true, "approve": true, "reject": true,
	"knowledge": true, "categories": true, "export": true,
	"distill": true, "digest": true, "reconcile": true,
	"serve": true, "help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _     _       _     ___
  | |   (_)_ __ | | __/ _ \ _ __  ___
  | |   | | '_ \| |/ / | | | '_ \/ __|
  | |___| | | | |   <| |_| | |_) \__ \
  |_____|_|_| |_|_|\_\\___/| .__/|___/
                           |_|
  Task routing and knowledge distillation

  Usage: linkops <command> [options]
         linkops --help

  MCP server mode requires piped input.`)
}

// baseDir returns $LINKOPS_HOME, or ~/.linkops when unset.
func baseDir() (string, error) {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".linkops"), nil
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	base, err := baseDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cwd, _ := os.Getwd()
	cfg, err := config.LoadWithRepo(base, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	flush, err := logging.Install(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	database, err := db.Init(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	if n, err := ops.SeedCategories(context.Background(), database, cfg); err != nil {
		zap.L().Warn("category seeding failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("seeded categories", zap.Int("created", n))
	}

	if isCLIMode() {
		app := newCLIApp(database, cfg)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'linkops --help' for usage.\n")
		os.Exit(1)
	}

	if err := runMCP(database, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves the MCP tools over stdio.
func runMCP(database *sql.DB, cfg *config.Config) error {
	ctx := context.Background()
	locker, closeLocker, err := lease.Open(ctx, database, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeLocker()

	dispatcher, closeDispatcher, err := openDispatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	return mcp.Run(database, cfg, dispatcher, locker, Version)
}
