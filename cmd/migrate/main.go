// migrate applies the embedded SQL migrations to the credential store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"chat-auth-platform/backend/internal/config"
	"chat-auth-platform/backend/internal/db/migrate"
)

func main() {
	app := &cli.App{
		Name:  "migrate",
		Usage: "Manage the credential store schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				EnvVars: []string{"DATABASE_URL"},
				Usage:   "Postgres DSN (defaults to the configured DATABASE_URL)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: apply(migrate.Up),
			},
			{
				Name:   "down",
				Usage:  "Roll back all migrations",
				Action: apply(migrate.Down),
			},
			{
				Name:   "version",
				Usage:  "Print the current schema version",
				Action: version,
			},
		},
		DefaultCommand: "up",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func apply(dir migrate.Direction) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn, err := databaseURL(c)
		if err != nil {
			return err
		}
		if err := migrate.Run(dsn, string(dir)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		v, dirty, err := migrate.Version(dsn)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "migrated %s: version %d dirty=%t\n", dir, v, dirty)
		return nil
	}
}

func version(c *cli.Context) error {
	dsn, err := databaseURL(c)
	if err != nil {
		return err
	}
	v, dirty, err := migrate.Version(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "version %d dirty=%t\n", v, dirty)
	return nil
}

func databaseURL(c *cli.Context) (string, error) {
	if dsn := c.String("database-url"); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return cfg.DatabaseURL, nil
}
