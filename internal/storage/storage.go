package storage

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"waitline/internal/config"
	"waitline/internal/models"
)

func ConnectDatabase(cfg config.Postgres, log logrus.FieldLogger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	log.WithField("host", cfg.Host).Info("подключение к базе данных успешно")
	return db, nil
}

// Migrate создаёт и обновляет таблицы сервиса.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.User{}, &models.Service{}, &models.QueueEntry{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

func NewRedisClient(ctx context.Context, cfg config.Redis, log logrus.FieldLogger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	log.WithField("addr", cfg.Addr).Infof("redis доступен, база %d", cfg.Database)
	return rdb, nil
}
