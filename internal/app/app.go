package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/config"
	"github.com/familybubble/backend/internal/db"
	"github.com/familybubble/backend/internal/handlers"
	"github.com/familybubble/backend/internal/httpserver"
	"github.com/familybubble/backend/internal/middleware"
)

const rosterShutdownTimeout = 5 * time.Second

// newHandler builds the full request chain served by the HTTP server.
func newHandler(deps handlers.Dependencies, verifier middleware.TokenVerifier, logger *slog.Logger) http.Handler {
	router := handlers.NewRouter(deps, middleware.Authenticate(verifier))
	return middleware.RequestLogger(logger)(router)
}

const usage = `usage: familybubble [--env-file PATH] <command> [args]

commands:
  serve                     run the HTTP API
  migrate [up|status]       apply or list SQL migrations (postgres)
  seed <name>               apply seeds/<name>_seed.sql (postgres)
  dev-token <uid> [flags]   print a signed identity token for local testing
`

// Run bootstraps the FamilyBubble backend application.
func Run(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("familybubble", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(out)
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading BUBBLE_* variables")
	flags.Usage = func() {
		fmt.Fprint(out, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	// An explicitly named env file must exist; the default is optional.
	if err := config.LoadDotEnv(*envFile, flags.Changed("env-file")); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("expected command: serve, migrate, seed, or dev-token")
	}

	switch rest[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, rest[1:], out)
	case "seed":
		return runSeed(ctx, rest[1:], out)
	case "dev-token":
		return runDevToken(rest[1:], out)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningKey: cfg.Identity.SigningKey,
		Issuer:     cfg.Identity.Issuer,
		Audience:   cfg.Identity.Audience,
	})
	if err != nil {
		return fmt.Errorf("configure identity verifier: %w", err)
	}

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rosterShutdownTimeout)
		defer cancel()
		if err := stores.close(closeCtx); err != nil {
			logger.Warn("close store", "driver", stores.driver, "error", err)
		}
	}()

	deps, cleanup, err := buildDependencies(ctx, stores, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), rosterShutdownTimeout)
		defer cancel()
		if err := cleanup(cleanupCtx); err != nil {
			logger.Warn("stop background workers", "error", err)
		}
	}()

	srv := httpserver.New(cfg.AppPort, newHandler(deps, verifier, logger))

	logger.Info("starting http server", "port", cfg.AppPort, "store", stores.driver, "photoUploads", deps.Photos != nil)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func runDevToken(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("dev-token", pflag.ContinueOnError)
	flags.SetOutput(out)
	name := flags.String("name", "", "display name claim")
	email := flags.String("email", "", "email claim")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("expected exactly one user id")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningKey: cfg.Identity.SigningKey,
		Issuer:     cfg.Identity.Issuer,
		Audience:   cfg.Identity.Audience,
	})
	if err != nil {
		return fmt.Errorf("configure identity verifier: %w", err)
	}

	token, err := verifier.Issue(auth.Identity{
		UserID:      strings.TrimSpace(flags.Arg(0)),
		Email:       *email,
		DisplayName: *name,
	}, *ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, token)
	return nil
}

func runMigrations(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("migrations only apply to the %s store, configured store is %s", config.StorePostgres, cfg.StoreDriver)
	}

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	migrationDir, err := resolveDir(cfg.MigrationDir)
	if err != nil {
		return err
	}

	migrations, err := listMigrations(migrationDir)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	switch command {
	case "status":
		for _, name := range migrations {
			mark := " "
			if _, ok := applied[name]; ok {
				mark = "x"
			}
			fmt.Fprintf(out, "[%s] %s\n", mark, name)
		}
		return nil
	case "up", "":
		pending := 0
		for _, name := range migrations {
			if _, ok := applied[name]; ok {
				continue
			}
			pending++

			contents, err := os.ReadFile(filepath.Join(migrationDir, name))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}

			if err := applyMigrationWithRetry(ctx, conn, name, string(contents), out); err != nil {
				return err
			}

			fmt.Fprintf(out, "applied migration %s\n", name)
		}
		if pending == 0 {
			fmt.Fprintln(out, "no migrations to apply")
		}
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func runSeed(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("expected seed name (e.g. dev)")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("seeds only apply to the %s store, configured store is %s", config.StorePostgres, cfg.StoreDriver)
	}

	seedDir, err := resolveDir(cfg.SeedDir)
	if err != nil {
		return err
	}

	seedName := seedFileName(args[0])
	contents, err := os.ReadFile(filepath.Join(seedDir, seedName))
	if err != nil {
		return fmt.Errorf("read seed %s: %w", seedName, err)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("apply seed %s: %w", seedName, err)
	}

	fmt.Fprintf(out, "applied seed %s\n", seedName)
	return nil
}

func resolveDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return filepath.Join(wd, dir), nil
}

func seedFileName(name string) string {
	if strings.HasSuffix(name, ".sql") {
		return name
	}
	return fmt.Sprintf("%s_seed.sql", name)
}

// listMigrations returns the .sql files in dir in application order.
func listMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		migrations = append(migrations, entry.Name())
	}
	sort.Strings(migrations)
	return migrations, nil
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]struct{}, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("fetch applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func applyMigrationWithRetry(ctx context.Context, conn *pgxpool.Conn, name, contents string, out io.Writer) error {
	for attempt := 0; attempt < db.MaxTxRetries; attempt++ {
		if err := db.WaitBackoff(ctx, attempt); err != nil {
			return err
		}

		err := applyMigration(ctx, conn, name, contents)
		if err == nil {
			return nil
		}
		if !db.ShouldRetry(err) || attempt == db.MaxTxRetries-1 {
			return err
		}
		fmt.Fprintf(out, "transient error applying migration %s (attempt %d/%d): %v\n", name, attempt+1, db.MaxTxRetries, err)
	}

	return fmt.Errorf("apply migration %s: exceeded max retries (%d)", name, db.MaxTxRetries)
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, name, contents string) error {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin migration transaction for %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, contents); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
