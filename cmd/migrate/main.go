package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/migrate"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/store/pg"
)

const seedActor = "system:seed"

func main() {
	var (
		dsn        = flag.String("dsn", os.Getenv("HOMEBASE_PG_DSN"), "PostgreSQL DSN")
		ownerID    = flag.String("owner-id", "", "seed: id of the platform owner to bootstrap")
		ownerEmail = flag.String("owner-email", "", "seed: email of the platform owner")
		ownerName  = flag.String("owner-name", "", "seed: display name of the platform owner")
	)
	flag.Parse()
	logger := obs.Logger()

	if *dsn == "" {
		fatal("missing DSN: provide via -dsn or HOMEBASE_PG_DSN", nil)
	}
	if len(flag.Args()) == 0 {
		fatal("usage: migrate [up|down|seed|status]", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch flag.Arg(0) {
	case "up":
		err = withMigrator(*dsn, func(m *migrate.Migrator) error { return m.Up() })
	case "down":
		err = withMigrator(*dsn, func(m *migrate.Migrator) error { return m.Down() })
	case "status":
		err = withMigrator(*dsn, func(m *migrate.Migrator) error {
			version, dirty, err := m.Status()
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
			return nil
		})
	case "seed":
		err = seed(ctx, *dsn, directory.User{
			ID:          *ownerID,
			Email:       *ownerEmail,
			DisplayName: *ownerName,
			PrimaryRole: directory.RoleHomeowner,
		})
	default:
		fatal(fmt.Sprintf("unknown command %q", flag.Arg(0)), nil)
	}
	if err != nil {
		fatal("migrate "+flag.Arg(0), err)
	}
	logger.Info("done", slog.String("command", flag.Arg(0)))
}

func fatal(msg string, err error) {
	attrs := []any{}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	obs.Logger().Error(msg, attrs...)
	os.Exit(1)
}

func withMigrator(dsn string, fn func(*migrate.Migrator) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	m, err := migrate.New(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	return errors.Join(fn(m), m.Close())
}

// seed writes the builtin roles and permissions and, when owner.ID is
// set, bootstraps that user as platform owner.
func seed(ctx context.Context, dsn string, owner directory.User) error {
	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ledger, err := audit.NewLedger(store)
	if err != nil {
		return err
	}
	svc, err := rbac.NewService(store, rbac.WithAuditor(ledger))
	if err != nil {
		return err
	}
	if err := svc.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed builtins: %w", err)
	}
	if owner.ID == "" {
		return nil
	}

	dir, err := directory.New(store)
	if err != nil {
		return err
	}
	if _, err := dir.Create(ctx, owner); err != nil && !errors.Is(err, directory.ErrConflict) {
		return fmt.Errorf("create owner: %w", err)
	}
	if err := svc.GrantRole(ctx, owner.ID, rbac.RoleOwner, seedActor, nil); err != nil {
		return fmt.Errorf("grant owner: %w", err)
	}
	obs.Logger().Info("owner bootstrapped", slog.String("user_id", owner.ID))
	return nil
}
