package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/config"
	"cofradia.org/internal/ids"
	"cofradia.org/internal/migrate"
	"cofradia.org/internal/store/pg"
	"cofradia.org/ops/migrations"
)

const usage = "usage: migrate [flags] up|down|seed|status|pending|bootstrap"

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("COFRADIA_CONFIG"), "path to the YAML config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides config)")
		dir        = flag.String("dir", "", "read sql/ and seeds/ from this directory instead of the embedded copy")
		noSeed     = flag.Bool("no-seed", false, "up: skip seed files")

		email    = flag.String("email", os.Getenv("COFRADIA_BOOTSTRAP_EMAIL"), "bootstrap: admin email")
		username = flag.String("username", "admin", "bootstrap: admin username")
		password = flag.String("password", os.Getenv("COFRADIA_BOOTSTRAP_PASSWORD"), "bootstrap: admin password")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dsn == "" {
		*dsn = cfg.Database.DSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn, database.dsn or COFRADIA_PG_DSN")
	}

	var files fs.FS = migrations.Files
	if *dir != "" {
		files = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), files, migrations.MigrationsDir, migrations.SeedsDir)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		printAll("applied", applied)
		if err == nil && !*noSeed {
			applied, err = mgr.Seed(ctx)
			printAll("seeded", applied)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		printAll("seeded", applied)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	case "pending":
		var pending []string
		pending, err = mgr.Pending(ctx)
		for _, item := range pending {
			fmt.Println(item)
		}
	case "bootstrap":
		err = bootstrap(ctx, store, cfg.Policy(), *email, *username, *password)
	default:
		log.Fatalf("unknown command %q\n%s", flag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func printAll(verb string, names []string) {
	for _, n := range names {
		fmt.Println(verb, n)
	}
}

// bootstrap creates the first god account so the rest can be managed over the API.
func bootstrap(ctx context.Context, store *pg.Store, policy auth.Policy, email, username, password string) error {
	if err := auth.CheckRoleTable(ctx, store); err != nil {
		return fmt.Errorf("role table: %w (run `migrate up` first)", err)
	}
	email = auth.NormalizeEmail(email)
	if !auth.ValidEmail(email) {
		return errors.New("a valid -email is required")
	}
	if msg, ok := auth.ValidatePassword(password, policy.PasswordMinLength); !ok {
		return errors.New(msg)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	acct, err := store.CreateAccount(ctx, auth.Account{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         auth.RoleGod,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s <%s> as %s\n", acct.Username, acct.Email, acct.Role)
	return nil
}
