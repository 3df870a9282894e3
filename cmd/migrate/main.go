package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"ontour.app/internal/migrate"
	"ontour.app/internal/store/pg"
	"ontour.app/migrations"
)

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	dsn := flags.String("dsn", os.Getenv("ONTOUR_PG_DSN"), "PostgreSQL DSN")
	timeout := flags.Duration("timeout", 30*time.Second, "overall deadline")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [--dsn DSN] up|down|seed|status")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or ONTOUR_PG_DSN")
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.SQL(), migrations.Seeds())

	switch cmd := flags.Arg(0); cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []migrate.Record
		history, err = mgr.Status(ctx)
		for _, r := range history {
			fmt.Printf("%s\t%s\t%s\n", r.Kind, r.Name, r.AppliedAt.Format(time.RFC3339))
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flags.Arg(0), err)
	}
}
