// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/process"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/version"
	"github.com/bureau-foundation/roomserver/server"
)

func main() {
	os.Exit(process.Report(os.Stderr, run(os.Args[1:], os.Stdout)))
}

type options struct {
	configPath  string
	replayPath  string
	origin      string
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("roomserver", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: $ROOMSERVER_CONFIG)")
	flags.StringVar(&opts.replayPath, "replay", "", "ingest the federation transaction in this JSON file and print the outcome")
	flags.StringVar(&opts.origin, "origin", "", "server the replayed transaction is attributed to (default: its origin field)")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if flags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}
	if opts.origin != "" && opts.replayPath == "" {
		return options{}, fmt.Errorf("--origin only applies with --replay")
	}
	return opts, nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "roomserver %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := server.New(cfg, server.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer services.Close()

	if opts.replayPath != "" {
		return replay(ctx, services, opts, stdout)
	}

	logger.Info("room server running", "version", version.Info(), "server_name", services.ServerName)
	err = services.Run(ctx)
	logger.Info("shutting down")
	return err
}

// replay feeds one transaction file through the ingestion pipeline and
// writes the /send response body.
func replay(ctx context.Context, services *server.Services, opts options, stdout io.Writer) error {
	var origin ref.ServerName
	if opts.origin != "" {
		parsed, err := ref.ParseServerName(opts.origin)
		if err != nil {
			return fmt.Errorf("--origin: %w", err)
		}
		origin = parsed
	}

	file, err := os.Open(opts.replayPath)
	if err != nil {
		return err
	}
	defer file.Close()

	result, err := services.ReplayTransaction(ctx, origin, file)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result.Response())
}
