// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-invite-bot keeps the members of tracked Matrix rooms in
// their linked community and its rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/invitebot"
	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	noSave       = flag.MakeFull("n", "no-update", "Don't write the upgraded config back to disk.", "false").Bool()
	printExample = flag.MakeFull("e", "generate-example-config", "Print the example config and exit.", "false").Bool()
	wantVersion  = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
)

var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"matrix-invite-bot - keeps Matrix rooms and their community in sync.",
		"matrix-invite-bot [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	}
	switch {
	case *wantHelp:
		flag.PrintHelp()
		return
	case *wantVersion:
		fmt.Printf("matrix-invite-bot %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	case *printExample:
		fmt.Print(invitebot.ExampleConfig)
		return
	}

	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := invitebot.LoadConfig(*configPath, !*noSave)
	if err != nil {
		return err
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting matrix-invite-bot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	cli, err := mautrix.NewClient(cfg.Homeserver.Address, id.UserID(cfg.Homeserver.UserID), cfg.Homeserver.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.Log = log.With().Str("component", "matrix").Logger()
	if cli.UserID == "" {
		whoami, err := cli.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("failed to look up bot user ID: %w", err)
		}
		cli.UserID = whoami.UserID
	}
	log.Info().Str("user_id", string(cli.UserID)).Msg("Authenticated")

	shutdownTracing, err := invitebot.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	bot := invitebot.NewBot(protocol.NewMatrixClient(cli), &cfg.Bot, log.With().Str("component", "bot").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx)
	})
	if cfg.AdminAPI.Address != "" {
		api := invitebot.NewAdminAPI(bot, log)
		g.Go(func() error {
			return api.Serve(gctx, cfg.AdminAPI.Address)
		})
	}

	err = g.Wait()
	var internal *invitebot.InternalError
	switch {
	case errors.As(err, &internal):
		log.Error().Err(err).Msg("Stopping after unexpected command failure")
		return err
	case err == nil, errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info().Msg("Shutting down")
		return nil
	default:
		return err
	}
}
