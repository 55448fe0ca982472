package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aristath/marketsync/internal/bridge"
	"github.com/aristath/marketsync/internal/calendar"
	"github.com/aristath/marketsync/internal/clients/tusharepro"
	"github.com/aristath/marketsync/internal/config"
	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/fetch"
	"github.com/aristath/marketsync/internal/jobs"
	"github.com/aristath/marketsync/internal/minutebar"
	"github.com/aristath/marketsync/internal/ratelimit"
	"github.com/aristath/marketsync/internal/reliability"
	"github.com/aristath/marketsync/internal/scheduler"
	"github.com/aristath/marketsync/internal/server"
	"github.com/aristath/marketsync/internal/shard"
	"github.com/aristath/marketsync/internal/state"
	"github.com/aristath/marketsync/internal/syncer"
	"github.com/aristath/marketsync/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration first so the logger honors LOG_LEVEL
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting marketsync")

	// Master database: calendar, reference tables, daily feeds, master cursors
	masterDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "master.db"),
		Profile: database.ProfileMaster,
		Name:    "master",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize master database")
	}
	defer masterDB.Close()
	if err := masterDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate master database")
	}

	// Shard databases: minute bars partitioned by code
	shardDBs := make([]*database.DB, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, fmt.Sprintf("bars_p%d.db", i)),
			Profile: database.ProfileShard,
			Name:    fmt.Sprintf("bars_p%d", i),
		})
		if err != nil {
			log.Fatal().Err(err).Int("shard", i).Msg("Failed to initialize shard database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Int("shard", i).Msg("Failed to migrate shard database")
		}
		shardDBs[i] = db
	}
	shards := shard.NewSet(shardDBs)
	defer shards.Close()

	// Provider plumbing: client, rate limiter, retrying fetcher
	client := tusharepro.NewClient(cfg.ProviderURL, cfg.ProviderToken, log)
	limiter := ratelimit.New(cfg.ProviderCallsMin)
	fetcher := fetch.New(fetch.Config{Watchdog: cfg.ProviderTimeout}, limiter, log)

	env := &jobs.Env{
		Client:           client,
		Fetcher:          fetcher,
		IndexWeightCodes: splitCodes(cfg.IndexWeightCodes),
		PageLimit:        jobs.DefaultPageLimit,
	}
	registry := jobs.Registry(cfg.Exchange, cfg.DailyKeepDays)

	cal := calendar.New(masterDB.Conn(), log)
	cursors := state.NewCursorStore(masterDB.Conn(), log)
	engine := syncer.New(masterDB, cal, cursors, env, syncer.Config{Scope: "master"}, log)

	// Minute-bar path: worker bridge + per-shard backfill engine
	worker := bridge.NewWorker(bridge.Config{
		Python:   cfg.WorkerPython,
		Script:   cfg.WorkerScript,
		Period:   cfg.WorkerPeriod,
		Deadline: cfg.WorkerDeadline,
		TempDir:  cfg.WorkerTempDir,
	}, log)
	barEngine := minutebar.New(shards, cal, worker, minutebar.Config{
		ChunkSize:    cfg.MinuteChunkSize,
		KeepOpenDays: cfg.MinuteKeepDays,
		Exchange:     cfg.Exchange,
	}, log)

	dailyJob := scheduler.NewDailySyncJob(engine, registry, log)
	minuteJob := scheduler.NewMinuteBarJob(barEngine, func() ([]string, error) {
		return listedCodes(masterDB)
	}, log)

	backupService := reliability.NewBackupService(
		append([]*database.DB{masterDB}, shardDBs...),
		cfg.BackupDir,
		7,
		log,
	)

	sched := scheduler.New(log)
	registerJobs(sched, dailyJob, minuteJob, reliability.NewBackupJob(backupService), log)

	srv := server.New(server.Config{
		Log:       log,
		MasterDB:  masterDB,
		Shards:    shards,
		DataDir:   cfg.DataDir,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Scheduler: sched,
		DailyJob:  dailyJob,
		MinuteJob: minuteJob,
	})

	sched.Start()
	defer sched.Stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

// registerJobs wires the cron schedule. Times are provider-local: daily feeds
// after the evening data publish, bars after the session close, backups at
// night.
func registerJobs(sched *scheduler.Scheduler, daily, minute, backup scheduler.Job, log zerolog.Logger) {
	if err := sched.AddJob("0 30 17 * * MON-FRI", daily); err != nil {
		log.Fatal().Err(err).Msg("Failed to register daily_sync job")
	}
	if err := sched.AddJob("0 30 18 * * MON-FRI", minute); err != nil {
		log.Fatal().Err(err).Msg("Failed to register minute_bars job")
	}
	if err := sched.AddJob("0 0 2 * * *", backup); err != nil {
		log.Fatal().Err(err).Msg("Failed to register daily_backup job")
	}
	log.Info().Int("jobs", 3).Msg("Background jobs registered")
}

// listedCodes returns the current universe from the synced reference table.
func listedCodes(db *database.DB) ([]string, error) {
	rows, err := db.Conn().Query(`SELECT ts_code FROM stock_basic ORDER BY ts_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock_basic: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func splitCodes(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
