// callsync copies telephony calls, recordings and AI summaries into the CRM
// on a fixed schedule and serves a small admin API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"callsync/auth"
	"callsync/config"
	"callsync/telephony"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile      string
		runOnce      string
		migrateOnly  bool
		hashPassword bool
	)
	flagSet := pflag.NewFlagSet("callsync", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default: .env if present)")
	flagSet.StringVar(&runOnce, "run-once", "", "run one workflow (incoming_call, outgoing_call, voicemail) and exit")
	flagSet.BoolVar(&migrateOnly, "migrate", false, "apply database migrations and exit")
	flagSet.BoolVar(&hashPassword, "hash-password", false, "read a password from stdin and print its bcrypt hash for ADMIN_PASSWORD_HASH")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if hashPassword {
		return printPasswordHash()
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch {
	case migrateOnly:
		return app.Migrate(ctx)
	case runOnce != "":
		kind, err := telephony.ParseKind(runOnce)
		if err != nil {
			return err
		}
		return app.RunOnce(ctx, kind)
	default:
		return app.Serve(ctx)
	}
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
