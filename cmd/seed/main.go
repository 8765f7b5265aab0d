// seed creates or promotes a bootstrap account in the credential store. Running it twice
// for the same handle resets the password and role instead of failing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"chat-auth-platform/backend/internal/config"
	"chat-auth-platform/backend/internal/db"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/user/domain"
	userrepo "chat-auth-platform/backend/internal/user/repository"
)

func main() {
	app := &cli.App{
		Name:  "seed",
		Usage: "Create or promote a bootstrap account",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "handle",
				Aliases:  []string{"u"},
				EnvVars:  []string{"SEED_HANDLE"},
				Usage:    "Email or username of the account",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "password",
				EnvVars:  []string{"SEED_PASSWORD"},
				Usage:    "Password to set on the account",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "role",
				Value: string(domain.RoleAdmin),
				Usage: "Role to grant: user or admin",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "Overall deadline for the seed run",
			},
		},
		Action: seed,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func seed(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	handle := domain.NormalizeHandle(c.String("handle"))
	if err := domain.ValidateHandle(handle); err != nil {
		return err
	}
	role := domain.Role(c.String("role"))
	if !role.Valid() {
		return fmt.Errorf("role must be user or admin, got %q", role)
	}
	password := c.String("password")
	policy := security.PasswordPolicy{MinLength: cfg.PasswordMinLength, RequireComplex: cfg.PasswordRequireComplex}
	if err := policy.Validate(password); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()
	users := userrepo.NewPostgresRepository(conn, upstream.Policy{Timeout: cfg.StoreCallTimeout(), Backoff: cfg.StoreRetryDelay()})

	hasher := security.NewHasherFor(cfg.PasswordHashAlgorithm, cfg.BcryptCost, security.Argon2Params{
		Memory:  cfg.Argon2MemoryKiB,
		Time:    cfg.Argon2Time,
		Threads: cfg.Argon2Threads,
	})
	hash, err := hasher.Hash([]byte(password))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	existing, err := users.GetByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := users.UpdatePasswordHash(ctx, existing.ID, hash); err != nil {
			return err
		}
		if err := users.UpdateRoleAndStatus(ctx, existing.ID, role, true); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "updated %s (%s) as %s\n", handle, existing.ID, role)
		return nil
	}

	now := time.Now().UTC()
	u := &domain.User{
		ID:           uuid.NewString(),
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		IsVerified:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if domain.IsEmailHandle(handle) {
		u.Email = handle
	} else {
		u.Username = handle
	}
	if err := u.Validate(); err != nil {
		return err
	}
	if err := users.Create(ctx, u); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "created %s (%s) as %s\n", handle, u.ID, role)
	return nil
}
