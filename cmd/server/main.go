package main

import (
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-lesson/internal/api"
	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/service"
	"github.com/isqad/livelook-lesson/internal/telemetry"
	"github.com/isqad/livelook-lesson/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "livelook-lesson",
		Usage:       "Live lesson signaling server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "environment: either 'development' or 'production'",
				EnvVars: []string{"LIVELOOK_APP_ENV"},
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':3001'",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "create the lesson tables before start",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("env") {
		conf.App.Env = c.String("env")
	}
	if c.IsSet("address") {
		conf.HTTP.Address = c.String("address")
	}

	env, err := core.ParseEnvironment(conf.App.Env)
	if err != nil {
		return err
	}
	telemetry.InitLogger(env)

	db, err := sqlx.Connect("pgx", conf.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.Bool("migrate") {
		if err := core.Migrate(c.Context, db); err != nil {
			return err
		}
		log.Info().Str("service", "server").Msg("schema migrated")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: conf.Redis.Addr,
		DB:   conf.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(c.Context).Err(); err != nil {
		return err
	}

	events, err := eventbus.Connect(conf.Nats.URL)
	if err != nil {
		return err
	}
	defer events.Close()

	signals := eventbus.RedisPubSub(rdb)
	lessons := service.NewLessonsManager(
		core.NewSessionsRepository(db),
		core.NewParticipantsRepository(db),
		core.NewSignalsRepository(db),
		signals,
		events,
	)
	gateway := ws.NewGateway(signals, conf.HTTP.MaxMessageSize)

	app := api.NewApp(api.AppOptions{
		Lessons:   lessons,
		Websocket: gateway.Handler(),
	})

	return api.Serve(conf.HTTP.Address, app.Router(), func() {
		if err := gateway.Close(); err != nil {
			log.Error().Err(err).Str("service", "server").Msg("can't close websocket sessions")
		}
	})
}

