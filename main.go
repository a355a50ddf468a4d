package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/sfsync/sfsync/bulk"
	"github.com/sfsync/sfsync/executor"
	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/planner"
	"github.com/sfsync/sfsync/session"
	"github.com/sfsync/sfsync/storage"
	"github.com/sfsync/sfsync/syncer"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	cancel()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	conf := config.New()
	log := logger.NewFactory(conf).NewLogger().Child("sfsync")
	log.Infon("starting", logger.NewStringField("version", version))

	statsFactory := stats.NewStats(conf, logger.NewFactory(conf), svcMetric.Instance)
	if err := statsFactory.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		log.Errorn("starting stats", logger.NewErrorField(err))
		return 1
	}
	defer statsFactory.Stop()

	db, err := sql.Open("postgres", conf.GetString("Storage.dsn", "postgres://localhost/sfsync?sslmode=disable"))
	if err != nil {
		log.Errorn("opening database", logger.NewErrorField(err))
		return 1
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(conf.GetInt("Storage.maxOpenConns", 8))
	if err := db.PingContext(ctx); err != nil {
		log.Errorn("pinging database", logger.NewErrorField(err))
		return 1
	}

	sessions := session.StaticProvider{Credentials: session.Credentials{
		AccessToken: conf.GetString("Platform.accessToken", ""),
		InstanceURL: conf.GetString("Platform.instanceURL", ""),
	}}
	governor := quota.New(conf, log, statsFactory)
	store := storage.New(conf, log, statsFactory, db)
	prober := bulk.NewRESTProber(conf, log, nil, sessions, governor)
	pln := planner.New(conf, log, statsFactory, prober)
	drivers := map[model.ProtocolVersion]bulk.Driver{
		model.ProtocolV1: bulk.NewV1Driver(conf, log, nil, sessions, governor),
		model.ProtocolV2: bulk.NewV2Driver(conf, log, nil, sessions, governor),
	}
	exec := executor.New(conf, log, statsFactory)
	s := syncer.New(conf, log, statsFactory, store, pln, exec, governor, drivers)

	if syncObjects(ctx, conf, log, store, prober, s) {
		return 1
	}
	return 0
}

// syncObjects discovers and syncs every configured object, reporting whether
// any of them failed. The metadata tables are created up front: on a fresh
// database the object lookups below would otherwise fail before any sync
// round gets a chance to create them.
func syncObjects(ctx context.Context, conf *config.Config, log logger.Logger, store *storage.Store, prober *bulk.RESTProber, s *syncer.Syncer) bool {
	if err := store.EnsureMetadataTables(ctx); err != nil {
		log.Errorn("creating metadata tables", logger.NewErrorField(err))
		return true
	}
	objects := conf.GetStringSlice("Syncer.objects", nil)
	if len(objects) == 0 {
		log.Errorn("no objects configured, set Syncer.objects")
		return true
	}
	failed := false
	for _, api := range objects {
		obj, err := store.GetObject(ctx, api)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Errorn("loading object metadata",
				logger.NewStringField("object", api),
				logger.NewErrorField(err))
			failed = true
			continue
		}
		if err != nil {
			// first sight of this object
			obj, err = prober.Describe(ctx, api)
			if err != nil {
				log.Errorn("describing object",
					logger.NewStringField("object", api),
					logger.NewErrorField(err))
				failed = true
				continue
			}
			obj.Protocol = model.ProtocolVersion(conf.GetString("Syncer."+api+".protocol", string(model.ProtocolV2)))
			if total, err := prober.Count(ctx, api, "", time.Time{}, time.Time{}); err == nil {
				obj.TotalRows = total
			}
		}
		summary, err := s.SyncObject(ctx, obj)
		if err != nil {
			log.Errorn("sync round failed",
				logger.NewStringField("object", api),
				logger.NewErrorField(err))
			failed = true
			continue
		}
		if summary.Failed > 0 {
			failed = true
		}
		log.Infon("sync round finished",
			logger.NewStringField("object", api),
			logger.NewIntField("succeeded", int64(summary.Succeeded)),
			logger.NewIntField("failed", int64(summary.Failed)))
	}
	return failed
}
