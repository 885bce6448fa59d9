package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/config"
	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/blobstore"
	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/internal/platform/notify"
	"github.com/teleconsult/consult/internal/platform/video"
)

// application holds the process-wide dependencies built from configuration.
type application struct {
	pool         *pgxpool.Pool
	tx           db.TxRunner
	redis        *redis.Client
	bus          notify.Bus
	notifier     *notify.Notifier
	rooms        *video.Provisioner
	blobs        blobstore.BlobStore
	appointments consultation.AppointmentRepository
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a := &application{
		pool:         pool,
		tx:           db.NewTxRunner(pool),
		appointments: consultation.NewAppointmentRepoPG(pool),
	}

	if err := a.initBus(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.notifier = notify.NewNotifier(a.bus, notify.NewHub(logger), logger)

	provider, err := newVideoProvider(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rooms = video.NewProvisioner(provider, video.ProvisionerConfig{
		RoomTTL:     cfg.RoomTTL,
		TokenTTL:    cfg.TokenTTL,
		Recording:   cfg.RoomRecording,
		Chat:        cfg.RoomEnableChat,
		Screenshare: cfg.RoomEnableScreenshare,
	}, logger)

	a.blobs, err = newBlobStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *application) initBus(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.NotifyBackend {
	case "postgres":
		a.bus = notify.NewPGBus(a.pool, cfg.NotifyChannel, logger)
	case "redis":
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client
		a.bus = notify.NewRedisBus(client, cfg.NotifyChannel, logger)
	case "local":
		a.bus = notify.NewLocalBus()
	default:
		return fmt.Errorf("unknown notify backend %q", cfg.NotifyBackend)
	}
	return nil
}

func (a *application) readinessChecks() []db.Check {
	checks := []db.Check{db.PoolCheck(a.pool)}
	if a.redis != nil {
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	return checks
}

func (a *application) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

func newVideoProvider(cfg *config.Config) (video.Provider, error) {
	switch cfg.VideoProvider {
	case "daily":
		return video.NewDaily(cfg.DailyAPIKey, cfg.DailyAPIURL, nil)
	case "twilio":
		return video.NewTwilio(video.TwilioConfig{
			AccountSID:  cfg.TwilioAccountSID,
			APIKey:      cfg.TwilioAPIKey,
			APISecret:   cfg.TwilioAPISecret,
			JoinBaseURL: cfg.TwilioJoinURL,
			RoomTTL:     cfg.RoomTTL,
		})
	case "fake":
		return video.NewFake(), nil
	}
	return nil, fmt.Errorf("unknown video provider %q", cfg.VideoProvider)
}

func newBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobBackend {
	case "memory":
		return blobstore.NewInMemoryBlobStore(), nil
	case "s3":
		sess, err := blobstore.NewS3Session(cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3BlobStoreFromSession(sess, cfg.S3Bucket, cfg.S3Prefix), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}
