package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/core-coin/solvere/internal/config"
	"github.com/core-coin/solvere/internal/repository"
	"github.com/core-coin/solvere/internal/solvere"
	"github.com/core-coin/solvere/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "solvere",
		Usage: "Solvere settles on-chain intents, commissions and affiliate payouts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "store", Usage: "Storage driver (postgres|memory)"},
			&cli.StringFlag{Name: "redis-url", Aliases: []string{"r"}, Usage: "Redis URL for the job queue"},
			&cli.StringFlag{Name: "chain-mode", Usage: "Chain executor (relayer|mock)"},
			&cli.StringFlag{Name: "relayer-url", Usage: "Relayer base URL"},
			&cli.StringFlag{Name: "blockchain-service-url", Aliases: []string{"b"}, Usage: "Core RPC URL for receipt verification"},
			&cli.IntFlag{Name: "api-port", Usage: "Ops API port"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "Intent worker concurrency"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the API, workers and scheduler",
				Action: run,
			},
			{
				Name:  "reconcile",
				Usage: "Run one reconciliation pass and print the report",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "program", Usage: "Program ID (all programs when empty)"},
				},
				Action: reconcile,
			},
			{
				Name:  "reset-stuck",
				Usage: "Return intents stuck in PROCESSING to PENDING",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "program", Usage: "Program ID (all programs when empty)"},
					&cli.StringFlag{Name: "actor", Usage: "Operator ID recorded in the audit log", Required: true},
				},
				Action: resetStuck,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema",
				Action: migrate,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("store") {
		cfg.StoreDriver = c.String("store")
	}
	if c.IsSet("redis-url") {
		cfg.RedisURL = c.String("redis-url")
	}
	if c.IsSet("chain-mode") {
		cfg.ChainMode = c.String("chain-mode")
	}
	if c.IsSet("relayer-url") {
		cfg.RelayerURL = c.String("relayer-url")
	}
	if c.IsSet("blockchain-service-url") {
		cfg.BlockchainServiceURL = c.String("blockchain-service-url")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("workers") {
		cfg.WorkerConcurrency = c.Int("workers")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(c *cli.Context) (*solvere.Solvere, *logger.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	app, err := solvere.Build(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return app, log, nil
}

func run(c *cli.Context) error {
	app, log, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info("Solvere stopped")
	return nil
}

func reconcile(c *cli.Context) error {
	app, _, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	report, runErr := app.RunReconciliation(c.Context, c.String("program"))
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if !report.Clean() {
		return cli.Exit("reconciliation found mismatches", 2)
	}
	return nil
}

func resetStuck(c *cli.Context) error {
	app, log, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	n, err := app.ResetStuckIntents(c.Context, c.String("program"), c.String("actor"))
	if err != nil {
		return err
	}
	log.Infow("Stuck intents reset", "count", n)
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("migrate requires the %s store", config.StoreDriverPostgres)
	}

	db, err := repository.NewPostgresDB(cfg.PostgresDSN(), log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	log.Info("Schema migrated")
	return nil
}
