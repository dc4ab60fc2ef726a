package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"waitline/internal/api"
	"waitline/internal/auth"
	"waitline/internal/config"
	"waitline/internal/directory"
	"waitline/internal/events"
	"waitline/internal/handlers"
	"waitline/internal/queue"
	"waitline/internal/service/queueing"
	"waitline/internal/storage"
	"waitline/internal/tasks"
	"waitline/internal/token"
	"waitline/internal/ws"
)

// Резерв членства в Redis живёт дольше интервала обхода очередей,
// который его продлевает.
const membershipTTL = 30 * time.Minute

type Server struct {
	Logger *logrus.Logger
}

func (cmd Server) Command(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "запустить HTTP-сервер очередей",
		Run: func(_ *cobra.Command, _ []string) {
			cmd.main(ctx, cfg)
		},
	}
}

func (cmd Server) main(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := cmd.Logger.WithContext(ctx)

	db, err := storage.ConnectDatabase(cfg.Database.Postgres, cmd.Logger)
	if err != nil {
		log.Fatal(errors.Wrap(err, "server : failed to connect to postgresql"))
		return
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatal(errors.Wrap(err, "server : failed to migrate"))
		return
	}

	tokens, err := token.NewIssuer(cfg.Queue.TokenSecret, cfg.Queue.TokenTTL)
	if err != nil {
		log.Fatal(errors.Wrap(err, "server : membership tokens"))
		return
	}

	hub := ws.NewHub(cmd.Logger)

	// Без Redis членство и рассылка живут в памяти одного процесса.
	var (
		index     queue.MembershipIndex = queue.NewMemoryIndex()
		publisher events.Publisher      = events.Local{Hub: hub}
		relay     *events.Relay
	)
	var redisClient *redis.Client
	if cfg.Database.Redis.Enabled() {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Database.Redis, cmd.Logger)
		if err != nil {
			log.Fatal(errors.Wrap(err, "server : failed to connect to redis"))
			return
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				cmd.Logger.WithError(err).Warn("не удалось закрыть redis")
			}
		}()
		index = storage.NewRedisIndex(redisClient, membershipTTL)
		publisher = events.NewRedisPublisher(redisClient)
		relay = events.NewRelay(redisClient, hub, cmd.Logger)
	}

	if cfg.Kafka.Enabled() {
		kafkaPublisher := events.NewKafkaPublisher(
			events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cmd.Logger),
		)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				cmd.Logger.WithError(err).Warn("не удалось закрыть kafka writer")
			}
		}()
		publisher = events.Multi{publisher, kafkaPublisher}
	}

	entries := storage.NewEntryStore(db)
	recorder := storage.NewRecorder(entries, cfg.Queue.RecorderBuffer, cmd.Logger)

	engine := queue.NewEngine(queue.NewRegistry(), index, tokens,
		queue.WithRecorder(recorder),
		queue.WithLogger(cmd.Logger),
	)
	dir := directory.New(db, cfg.Queue.DefaultServiceMinutes)
	queues := queueing.New(engine, dir, publisher, tokens, cmd.Logger)

	restored, err := queues.Restore(ctx, entries)
	if err != nil {
		log.Fatal(errors.Wrap(err, "server : failed to restore queues"))
		return
	}
	log.WithField("entries", restored).Info("очереди восстановлены")

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
			cmd.Logger.WithField("worker", name).Debug("фоновая задача остановлена")
		}()
	}
	background("recorder", recorder.Run)
	background("hub", hub.Run)
	if relay != nil {
		background("relay", func(ctx context.Context) {
			if err := relay.Run(ctx); err != nil {
				cmd.Logger.WithError(err).Error("ретрансляция из Redis остановлена")
			}
		})
	}

	planner := tasks.NewPlanner(dir, queues, cmd.Logger)
	if err := planner.Start(ctx); err != nil {
		log.Fatal(errors.Wrap(err, "server : failed to start planner"))
		return
	}
	defer planner.Stop()

	authenticator := auth.NewAuthenticator(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	server := api.New(cfg.AppEnv, cmd.Logger)
	server.SetupRoutes(api.Handlers{
		Auth:     handlers.NewAuthHandler(db, authenticator),
		Queue:    handlers.NewQueueHandler(queues, hub, cmd.Logger),
		Services: handlers.NewServiceHandler(dir, queues, cmd.Logger),
	}, authenticator)

	if err := server.Serve(ctx, fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
		cmd.Logger.WithError(err).Error("HTTP-сервер завершился с ошибкой")
	}

	cancel()
	wg.Wait()
	cmd.Logger.WithFields(logrus.Fields{
		"pending": recorder.Pending(),
		"failed":  recorder.Failed(),
	}).Info("сервер остановлен")
}
