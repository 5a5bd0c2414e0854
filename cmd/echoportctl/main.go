// echoportctl is the operator CLI: declarative target management and quick
// inspection without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/echoport/echoport/internal/config"
	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/db"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "apply-targets":
		err = applyTargets(os.Args[2:])
	case "list-targets":
		err = listTargets(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: echoportctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  apply-targets   Create or update targets from a YAML file")
	fmt.Fprintln(os.Stderr, "  list-targets    List configured targets")
}

func connect(ctx context.Context) (*core.TargetStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return core.NewTargetStore(pool), pool.Close, nil
}

func listTargets(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	targets, closePool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	all, _, err := targets.List(ctx, 200, "")
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tSCHEDULE\tRETENTION\tBUCKET")
	for _, t := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dd\t%s\n", t.Name, t.Status, t.Schedule, t.RetentionDays, t.StorageBucket)
	}
	return tw.Flush()
}
