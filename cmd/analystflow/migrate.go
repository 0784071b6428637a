package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateFlags 迁移命令的公共参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	verbose    bool
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	}

	flags, positional, err := parseMigrateArgs(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	// reset 为 down-all 的别名
	command := args[0]
	if command == "reset" {
		command = "down-all"
	}

	migrator, err := createMigrator(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	runErr := migration.NewCLI(migrator).Run(ctx, append([]string{command}, positional...))
	stop()

	if err := migrator.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close migrator: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", runErr)
		os.Exit(1)
	}
}

// parseMigrateArgs 解析参数，flag 可以出现在位置参数之前或之后
func parseMigrateArgs(args []string) (migrateFlags, []string, error) {
	var f migrateFlags
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&f.verbose, "verbose", false, "Log migration steps")

	var positional []string
	for {
		// steps -2 的负数参数不是 flag
		if len(args) > 0 && isNegativeNumber(args[0]) {
			positional = append(positional, args[0])
			args = args[1:]
			continue
		}
		if err := fs.Parse(args); err != nil {
			return f, nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	return f, positional, nil
}

func isNegativeNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil && strings.HasPrefix(s, "-")
}

// createMigrator creates a migrator from command line flags, falling back
// to the database section of the config
func createMigrator(f migrateFlags) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if f.verbose {
		logger, _ = zap.NewDevelopment()
	}

	// db-type 与 db-url 同时提供时直接使用
	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL, logger)
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}

	return migration.NewMigratorFromConfig(cfg, logger)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  analystflow migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations (alias: reset)
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  status      Show migration status
  version     Show current migration version
  info        Show schema summary
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --verbose           Log migration steps

Examples:
  analystflow migrate up
  analystflow migrate up --config /etc/analystflow/config.yaml
  analystflow migrate down
  analystflow migrate status --db-type sqlite --db-url 'file:analystflow.db?mode=rwc'
  analystflow migrate goto 1
  analystflow migrate force 0
  analystflow migrate reset`)
}
