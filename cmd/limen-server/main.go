package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/config"
	"github.com/limenhq/limen/internal/db"
	"github.com/limenhq/limen/internal/health"
	"github.com/limenhq/limen/internal/httpapi"
	"github.com/limenhq/limen/internal/limen/events"
	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/store/memory"
	redisstore "github.com/limenhq/limen/internal/limen/store/redis"
	"github.com/limenhq/limen/internal/limen/store/sqlite"
	"github.com/limenhq/limen/internal/limen/token"
	"github.com/limenhq/limen/internal/limen/types"
	"github.com/limenhq/limen/internal/logging"
)

const devTenantID = "tenant-dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "limen-server: %v\n", err)
		os.Exit(2)
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "limen-server: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()
	log := logger.WithField("component", "limen-server")

	if err := run(cfg, log); err != nil {
		log.WithField("err", err).Error("exiting")
		os.Exit(1)
	}
}

// stores is one backend's implementation of every store interface.
type directory interface {
	store.Directory
	store.DirectoryWriter
}

type stores struct {
	tokens    store.TokenStore
	rules     store.RuleStore
	occupancy store.OccupancyStore
	scanLog   store.ScanLogStore
	directory directory
	close     func()
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	checker := health.New(log.WithField("component", "health"))

	st, err := openStores(ctx, cfg, log, checker)
	if err != nil {
		return err
	}
	defer st.close()

	if cfg.OccupancyBackend == "redis" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		st.occupancy = redisstore.NewOccupancyStore(rdb)
		log.WithField("addr", cfg.RedisAddr).Info("occupancy counters in redis")
	}

	scanLog := st.scanLog
	if len(cfg.KafkaBrokers) > 0 {
		w := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, log.WithField("component", "kafka"))
		mirror := events.NewMirror(st.scanLog, w, cfg.KafkaTopic, log.WithField("component", "audit-mirror"))
		defer mirror.Close()
		scanLog = mirror
		log.WithFields(logrus.Fields{"brokers": cfg.KafkaBrokers, "topic": cfg.KafkaTopic}).Info("mirroring scan log to kafka")
	}

	codec, err := token.NewCodec([]byte(cfg.SigningKey))
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	// Services
	tracker := service.NewOccupancyTracker(st.occupancy, log.WithField("component", "occupancy"))
	evaluator := service.NewRuleEvaluator(st.rules, st.directory, tracker, cfg.Timezone)
	scanSvc := service.NewScanService(service.ScanDeps{
		Codec:     codec,
		Tokens:    st.tokens,
		Directory: st.directory,
		Evaluator: evaluator,
		Occupancy: tracker,
		ScanLog:   scanLog,
		Logger:    log.WithField("component", "scan"),
	})
	tokenSvc := service.NewTokenService(codec, st.tokens, cfg.DefaultTokenTTL, log.WithField("component", "tokens"))
	ruleSvc := service.NewRuleService(st.rules, log.WithField("component", "rules"))

	sweeper := service.NewExpirySweeper(st.tokens, cfg.SweepInterval, log.WithField("component", "sweeper"))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	go checker.Watch(ctx, 10*time.Second)

	deviceAuth := httpapi.NewDeviceAuth(cfg.DeviceKeys, cfg.DeviceMaxSkew)
	if !deviceAuth.Enabled() {
		log.Warn("device authentication disabled: no devices.keys configured")
	}

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:           log.WithField("component", "http"),
		Addr:             cfg.HTTPAddr,
		ScanService:      scanSvc,
		TokenService:     tokenSvc,
		RuleService:      ruleSvc,
		DirectoryService: service.NewDirectoryService(st.directory, log.WithField("component", "directory")),
		OccupancyTracker: tracker,
		Health:           checker,
		Gatherer:         reg,
		DeviceAuth:       deviceAuth,
		RateLimiter:      httpapi.NewRateLimiter(cfg.DeviceRatePerSecond, cfg.DeviceBurst),
	})
	grpcSrv := health.NewGRPCServer(cfg.GRPCAddr, checker)

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("err", err).Error("http server error")
			stop()
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("grpc health listening")
		if err := grpcSrv.Start(); err != nil {
			log.WithField("err", err).Error("grpc server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	checker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.Shutdown(shutdownCtx)
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, log *logrus.Entry, checker *health.Checker) (*stores, error) {
	if cfg.DBDriver == "memory" {
		dir := memory.NewDirectory()
		if cfg.Env == "dev" {
			dir.PutTenant(ctx, types.Tenant{ID: devTenantID, Name: "Dev Coworking", Active: true})
			dir.PutSubject(ctx, devTenantID, types.Subject{
				Ref:         types.SubjectRef{Type: types.SubjectUser, ID: "dev-user"},
				Memberships: []string{"hot-desk"},
			})
		}
		log.Warn("using in-memory stores; nothing survives a restart")
		return &stores{
			tokens:    memory.NewTokenStore(),
			rules:     memory.NewRuleStore(),
			occupancy: memory.NewOccupancyStore(),
			scanLog:   memory.NewScanLogStore(),
			directory: dir,
			close:     func() {},
		}, nil
	}

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, sqlDB, db.SeedDevOptions{TenantID: devTenantID}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("seed dev: %w", err)
		}
	}
	writer := db.NewWorker(sqlDB)
	checker.Add("sqlite", func(ctx context.Context) error { return db.Ping(ctx, sqlDB) })
	log.WithField("path", cfg.DBPath).Info("sqlite stores ready")

	return &stores{
		tokens:    sqlite.NewTokenStore(sqlDB, writer),
		rules:     sqlite.NewRuleStore(sqlDB, writer),
		occupancy: sqlite.NewOccupancyStore(sqlDB, writer),
		scanLog:   sqlite.NewScanLogStore(sqlDB, writer),
		directory: sqlite.NewDirectoryStore(sqlDB, writer),
		close:     closeDB(writer, sqlDB),
	}, nil
}

func closeDB(w *db.Worker, sqlDB *sql.DB) func() {
	return func() {
		w.Close()
		_ = sqlDB.Close()
	}
}
