package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/lesson"
	"github.com/isqad/livelook-lesson/internal/relay"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/service"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

const cleanupTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:        "livelook-peer",
		Usage:       "Headless participant of a live lesson",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "lesson",
				Usage:    "id of the lesson to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "user",
				Usage:    "user id of the participant",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name shown to the other participants",
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "either 'teacher' or 'student'",
				Value: string(core.RoleStudent),
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
		},
		Action: startPeer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startPeer(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	env, err := core.ParseEnvironment(conf.App.Env)
	if err != nil {
		return err
	}
	telemetry.InitLogger(env)

	sessionID := core.SessionID(c.String("lesson"))
	userID := core.UserID(c.String("user"))
	name := c.String("name")
	if name == "" {
		name = string(userID)
	}

	db, err := sqlx.Connect("pgx", conf.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: conf.Redis.Addr,
		DB:   conf.Redis.DB,
	})
	defer rdb.Close()

	events, err := eventbus.Connect(conf.Nats.URL)
	if err != nil {
		return err
	}
	defer events.Close()

	transports, err := rtc.NewFactory(conf)
	if err != nil {
		return err
	}

	signalsRepo := core.NewSignalsRepository(db)
	participants := core.NewParticipantsRepository(db)
	signals := eventbus.RedisPubSub(rdb)
	lessons := service.NewLessonsManager(
		core.NewSessionsRepository(db),
		participants,
		signalsRepo,
		signals,
		events,
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := lessons.Join(ctx, sessionID, userID, name, core.Role(c.String("role"))); err != nil {
		return err
	}

	coordinator := lesson.NewCoordinator(lesson.CoordinatorParams{
		Relay:      relay.NewClient(signalsRepo, signals, relay.WithDedupeSize(conf.Relay.DedupeSize)),
		Roster:     participants,
		Events:     events,
		Transports: transports,
		Capturer:   rtc.NewDeviceCapturer(),
		Capture:    conf.Capture,
		Lesson:     conf.Lesson,
		Reconnect:  conf.Reconnect,
	})

	logger := log.With().Str("service", "peer").Str("lesson", string(sessionID)).Str("user", string(userID)).Logger()

	ended := make(chan struct{})
	var endOnce sync.Once
	coordinator.OnSessionEnded(func(core.SessionID) {
		endOnce.Do(func() { close(ended) })
	})
	coordinator.OnRemoteStream(func(peerID core.UserID, peerName string, stream *rtc.RemoteStream) {
		if stream == nil {
			logger.Info().Str("peer", string(peerID)).Msg("remote media is gone")
			return
		}
		logger.Info().Str("peer", string(peerID)).Str("name", peerName).Int("tracks", len(stream.Tracks)).Msg("remote media arrived")
	})
	coordinator.OnPeerHealth(func(peerID core.UserID, health lesson.Health) {
		logger.Info().Str("peer", string(peerID)).Str("health", health.String()).Msg("peer health changed")
	})
	coordinator.OnRosterChanged(func(roster []*core.Participant) {
		logger.Info().Int("participants", len(roster)).Msg("roster changed")
	})

	local, err := coordinator.Initialize(ctx, sessionID, userID, name)
	if err != nil {
		leave(lessons, sessionID, userID)
		return err
	}
	if local == nil {
		logger.Warn().Msg("joined without local media")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("leaving the lesson")
	case <-ended:
		logger.Info().Msg("the lesson has ended")
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	coordinator.Cleanup(cleanupCtx)
	leave(lessons, sessionID, userID)

	return nil
}

func leave(lessons *service.LessonsManager, sessionID core.SessionID, userID core.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := lessons.Leave(ctx, sessionID, userID); err != nil {
		log.Error().Err(err).Str("service", "peer").Msg("can't leave the lesson")
	}
}
