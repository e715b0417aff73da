package main

import (
	"context"
	"keydrop/cfg"
	"keydrop/pkg/kms"
	"keydrop/svc/api"
	"keydrop/svc/blob"
	"keydrop/svc/db"
	"keydrop/svc/lim"
	"keydrop/svc/svc"
	"keydrop/svc/util"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	if err := cfg.LoadDotEnv(".env"); err != nil {
		util.Fatal().Err(err).Msg("failed to load .env")
		os.Exit(1)
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Strs("allowed_origins", c.AllowedOrigins).
		Dur("paste_ttl", c.PasteTTL).
		Msg("starting keydrop API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}
	keks := kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL)
	defer keks.Stop()
	sealer := kms.NewSealer(kmsAdapter, keks)

	if c.SweepTokenFromKMS {
		token, err := kmsAdapter.GetSecret(ctx, "SWEEP_TOKEN")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load sweep token from KMS")
			os.Exit(1)
		}
		c.SweepToken = cfg.NewSecret(token)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	blobs, err := openBlobs(c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.BlobBackend).Msg("failed to open blob store")
		os.Exit(1)
	}
	defer blobs.Close()
	util.Info().Str("backend", c.BlobBackend).Str("path", c.BlobPath).Msg("blob store initialized")

	// Interfaces below must stay nil, not hold a nil *db.Redis.
	var (
		counter lim.Counter
		lease   svc.Lease
		redisUp api.Pinger
	)
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			defer rdb.Close()
			counter, lease, redisUp = rdb, rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	pasteSvc := svc.NewPaste(sqlDB, blobs, sealer, c)

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
		os.Exit(1)
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("distributed", counter != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter,
		api.Check{Name: "database", Pinger: sqlDB},
		api.Check{Name: "blobs", Pinger: blobs},
		api.Check{Name: "redis", Pinger: redisUp, Optional: true},
	)

	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		sqlDB.StartWALMaintenance(quitWAL)
	}()
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.NewCleaner(pasteSvc, lease, c.SweepInterval).Start(ctx); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	pasteSvc.Shutdown()
	close(quitWAL)
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("Shutdown complete")
}

func openBlobs(c *cfg.Cfg) (blob.Store, error) {
	if c.BlobBackend == cfg.BlobBackendDir {
		return blob.OpenDir(c.BlobPath)
	}
	return blob.OpenBolt(c.BlobPath)
}

// healthCheck backs the container HEALTHCHECK: it only proves the metadata
// database opens and answers.
func healthCheck() int {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "keydrop.db"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
