package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/talkcaster/internal/adapters/admission"
	router "github.com/dkeye/talkcaster/internal/adapters/http"
	"github.com/dkeye/talkcaster/internal/adapters/rtc"
	"github.com/dkeye/talkcaster/internal/adapters/signal"
	"github.com/dkeye/talkcaster/internal/app"
	"github.com/dkeye/talkcaster/internal/audio"
	"github.com/dkeye/talkcaster/internal/config"
	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type runMode string

const (
	modeStream runMode = "stream"
	modeListen runMode = "listen"
)

func run(ctx context.Context, cfg *config.Config, mode runMode) error {
	adm, leave, err := admit(ctx, cfg)
	if err != nil {
		return err
	}
	defer leave()

	factory, err := rtc.NewFactory(rtc.FactoryOptions{
		ICEServers:      adm.ICEServers,
		StatusChannel:   cfg.Media.StatusChannel,
		IncludeLoopback: cfg.Media.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	var source core.AudioSource
	if mode == modeStream {
		source = audio.NewPump(
			audio.FileOpener(cfg.Media.File, audio.DecodeOptions{FFmpegPath: cfg.Media.FFmpegPath}),
			audio.PumpOptions{FrameDuration: cfg.Media.FrameDuration, Loop: cfg.Media.Loop},
		)
	}

	stats := newFrameStats(10 * time.Second)
	bot := app.NewBot(app.BotConfig{
		Engine:           engineConfig(cfg),
		RetryBase:        cfg.Bot.RetryBase,
		RetryMax:         cfg.Bot.RetryMax,
		MaxRetries:       cfg.Bot.MaxRetries,
		LeaveOnSourceEnd: cfg.Bot.LeaveOnSourceEnd,
		MaxRepublish:     cfg.Bot.MaxRepublish,
	}, connector(cfg, adm), factory, source,
		app.WithPolicy(app.SimplePolicy{AutoSubscribe: cfg.Bot.AutoSubscribe}),
		app.WithFrameHandler(stats.observe),
	)

	// the control API lives as long as the bot
	botCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(botCtx)
	g.Go(func() error {
		defer stop()
		defer stats.report()
		return bot.Run(gctx)
	})
	if cfg.HTTP.Enabled {
		relay := app.NewTranscriptRelay(bot, cfg.Transcript.MinInterval)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           router.SetupRouter(&cfg.HTTP, bot, relay),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("control API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("control API forced to shutdown")
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("talkcaster stopped")
		return err
	}
	log.Info().Msg("talkcaster exited gracefully")
	return nil
}

func engineConfig(cfg *config.Config) app.EngineConfig {
	return app.EngineConfig{
		Nick:              cfg.Room.Nick,
		AnswerTimeout:     cfg.Bot.AnswerTimeout,
		ConnectTimeout:    cfg.Bot.ConnectTimeout,
		LeaveTimeout:      cfg.Bot.LeaveTimeout,
		PrebufferFrames:   cfg.Media.PrebufferFrames,
		SubscribeChannels: cfg.Media.SubscribeChannels,
		FrameSamples:      cfg.Media.FrameSamples,
		RequestLimit:      cfg.Bot.RequestLimit,
		RequestWindow:     cfg.Bot.RequestWindow,
	}
}

// admit produces the signaling parameters, over HTTP unless internal auth is
// configured. The returned func leaves the call.
func admit(ctx context.Context, cfg *config.Config) (*admission.Admission, func(), error) {
	ice := iceServers(cfg.Media.ICEServers)
	if cfg.Signaling.InternalSecret != "" {
		return &admission.Admission{
			SignalingURL: admission.SignalingURL(cfg.Signaling.URL),
			RoomToken:    cfg.Signaling.RoomToken,
			ICEServers:   ice,
		}, func() {}, nil
	}

	client, err := admission.New(cfg.Room.URL, admission.Options{Flags: domain.CallFlag(cfg.Room.Flags)})
	if err != nil {
		return nil, nil, err
	}
	adm, err := client.Join(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(adm.ICEServers) == 0 {
		adm.ICEServers = ice
	}
	leave := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Leave(ctx); err != nil {
			log.Warn().Err(err).Msg("leave call")
		}
	}
	return adm, leave, nil
}

func connector(cfg *config.Config, adm *admission.Admission) app.ConnectFunc {
	return func(ctx context.Context, resumeID string) (core.SignalConnection, error) {
		c, err := signal.Dial(ctx, signal.Params{
			URL:              adm.SignalingURL,
			AuthURL:          adm.AuthURL,
			AuthParams:       adm.AuthParams,
			InternalSecret:   cfg.Signaling.InternalSecret,
			Backend:          cfg.Signaling.Backend,
			RoomID:           adm.RoomToken,
			RoomSessionID:    adm.RoomSessionID,
			InCall:           domain.CallFlag(cfg.Room.Flags),
			ResumeID:         resumeID,
			WelcomeTimeout:   cfg.Signaling.WelcomeTimeout,
			HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
			ReceiveTimeout:   cfg.Signaling.ReceiveTimeout,
			SendBuffer:       cfg.Signaling.SendBuffer,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
