package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dkeye/talkcaster/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

type flags struct {
	room      string
	file      string
	nick      string
	loop      bool
	subscribe bool
	http      bool
	logLevel  string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "talkcaster",
		Short: "Headless Nextcloud Talk participant",
		Long: `talkcaster joins a Nextcloud Talk call through the high-performance
signaling backend, streams an audio file into the room and relays
transcripts back to the other participants.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.room, "room", "", "room link, e.g. https://cloud.example/call/abc123")
	root.PersistentFlags().StringVar(&f.nick, "nick", "", "display name")
	root.PersistentFlags().BoolVar(&f.http, "http", false, "serve the control API")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")

	stream := &cobra.Command{
		Use:   "stream [file]",
		Short: "Join the call and publish an audio file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.file = args[0]
			}
			return execute(cmd.Context(), f, modeStream)
		},
	}
	stream.Flags().BoolVar(&f.loop, "loop", false, "restart the file when it ends")
	stream.Flags().BoolVar(&f.subscribe, "subscribe", false, "also receive audio from participants")

	listen := &cobra.Command{
		Use:   "listen",
		Short: "Join the call and receive audio from every participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), f, modeListen)
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "talkcaster", version)
		},
	}

	root.AddCommand(stream, listen, ver)
	return root
}

func execute(parent context.Context, f flags, mode runMode) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	f.apply(cfg, mode)
	setLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if mode == modeStream && cfg.Media.File == "" {
		return fmt.Errorf("stream needs an audio file")
	}

	log.Info().Str("version", version).Str("mode", string(mode)).Msg("talkcaster starting")
	return run(ctx, cfg, mode)
}

// apply lets command line flags win over file and environment.
func (f flags) apply(cfg *config.Config, mode runMode) {
	if f.room != "" {
		cfg.Room.URL = f.room
	}
	if f.file != "" {
		cfg.Media.File = f.file
	}
	if f.nick != "" {
		cfg.Room.Nick = f.nick
	}
	if f.loop {
		cfg.Media.Loop = true
	}
	if f.http {
		cfg.HTTP.Enabled = true
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.subscribe || mode == modeListen {
		cfg.Bot.AutoSubscribe = true
	}
	if mode == modeListen {
		cfg.Media.File = ""
		cfg.Bot.LeaveOnSourceEnd = false
	}
	if cfg.Media.Loop {
		cfg.Bot.LeaveOnSourceEnd = false
	}
}
