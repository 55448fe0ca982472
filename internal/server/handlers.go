package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketsync/internal/scheduler"
	"github.com/aristath/marketsync/internal/state"
)

// handleHealth reports process and database health.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.masterDB.Conn().PingContext(ctx); err != nil {
		dbStatus = "unreachable"
	}

	cpuAvg, memUsed := s.systemStats()

	status := "ok"
	code := http.StatusOK
	if dbStatus != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	s.writeJSON(w, map[string]any{
		"status":         status,
		"database":       dbStatus,
		"shards":         s.shards.Count(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"cpu_percent":    cpuAvg,
		"memory_percent": memUsed,
	})
}

// systemStats returns CPU and RAM usage percentages. A short sampling
// interval keeps the endpoint fast for poll-based monitors.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// handleSyncStatus lists every stored cursor across the master and shard
// databases.
// GET /api/sync/status
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]state.Entry)

	masterStore := state.NewCursorStore(s.masterDB.Conn(), s.log)
	entries, err := masterStore.List()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list master cursors")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out["master"] = entries

	for i := 0; i < s.shards.Count(); i++ {
		db, err := s.shards.DB(i)
		if err != nil {
			continue
		}
		entries, err := state.NewCursorStore(db.Conn(), s.log).List()
		if err != nil {
			s.log.Warn().Err(err).Int("shard", i).Msg("Failed to list shard cursors")
			continue
		}
		out[db.Name()] = entries
	}

	s.writeJSON(w, out)
}

// handleRunDaily triggers the daily feed sync in the background.
// POST /api/sync/run
func (s *Server) handleRunDaily(w http.ResponseWriter, r *http.Request) {
	s.triggerJob(w, s.dailyJob)
}

// handleRunMinute triggers the minute-bar backfill in the background.
// POST /api/sync/run-minute
func (s *Server) handleRunMinute(w http.ResponseWriter, r *http.Request) {
	s.triggerJob(w, s.minuteJob)
}

func (s *Server) triggerJob(w http.ResponseWriter, job scheduler.Job) {
	if job == nil {
		s.writeJSON(w, map[string]string{
			"status":  "error",
			"message": "job not registered",
		})
		return
	}

	s.log.Info().Str("job", job.Name()).Msg("Manual run triggered")
	go func() {
		if err := s.scheduler.RunNow(job); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Manual run failed")
		}
	}()

	s.writeJSON(w, map[string]string{
		"status": "triggered",
		"job":    job.Name(),
	})
}

// handleDatabaseStats reports on-disk size of every database file.
// GET /api/system/databases
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	type dbStat struct {
		Name   string  `json:"name"`
		Path   string  `json:"path"`
		SizeMB float64 `json:"size_mb"`
	}

	stats := []dbStat{{
		Name:   s.masterDB.Name(),
		Path:   s.masterDB.Path(),
		SizeMB: fileSizeMB(s.masterDB.Path()),
	}}
	for i := 0; i < s.shards.Count(); i++ {
		db, err := s.shards.DB(i)
		if err != nil {
			continue
		}
		stats = append(stats, dbStat{
			Name:   db.Name(),
			Path:   db.Path(),
			SizeMB: fileSizeMB(db.Path()),
		})
	}

	s.writeJSON(w, map[string]any{"databases": stats})
}

func fileSizeMB(path string) float64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(fi.Size()) / 1024 / 1024
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
