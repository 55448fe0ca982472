// Package reliability provides best-effort operational safeguards around the
// database files.
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/database"
)

// BackupService snapshots every database into dated directories and rotates
// old snapshots.
type BackupService struct {
	databases []*database.DB
	backupDir string
	keepDays  int
	log       zerolog.Logger
	now       func() time.Time
}

// NewBackupService creates a backup service over the given databases.
func NewBackupService(databases []*database.DB, backupDir string, keepDays int, log zerolog.Logger) *BackupService {
	if keepDays <= 0 {
		keepDays = 7
	}
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		keepDays:  keepDays,
		log:       log.With().Str("service", "backup").Logger(),
		now:       time.Now,
	}
}

// DailyBackup snapshots all databases into backupDir/daily/YYYY-MM-DD/.
// A single database failing is logged and skipped; rotation failures never
// fail a run that produced snapshots.
func (s *BackupService) DailyBackup() error {
	s.log.Info().Msg("Starting daily backup")
	startTime := s.now()

	date := s.now().Format("2006-01-02")
	dailyDir := filepath.Join(s.backupDir, "daily", date)
	if err := os.MkdirAll(dailyDir, 0755); err != nil {
		return fmt.Errorf("failed to create daily backup directory: %w", err)
	}

	var failed int
	for _, db := range s.databases {
		backupPath := filepath.Join(dailyDir, db.Name()+".db")

		if err := s.backupDatabase(db, backupPath); err != nil {
			s.log.Error().Str("database", db.Name()).Err(err).Msg("Failed to backup database")
			failed++
			continue
		}

		if err := s.verifyBackup(backupPath); err != nil {
			s.log.Error().Str("database", db.Name()).Err(err).Msg("Backup verification failed")
			os.Remove(backupPath)
			failed++
		}
	}

	if err := s.rotateDailyBackups(); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate daily backups")
	}

	if failed == len(s.databases) {
		return fmt.Errorf("all %d database backups failed", failed)
	}

	s.log.Info().
		Dur("duration_ms", s.now().Sub(startTime)).
		Str("backup_dir", dailyDir).
		Int("failed", failed).
		Msg("Daily backup completed")
	return nil
}

// backupDatabase snapshots one database using SQLite's VACUUM INTO, which
// produces a fresh compacted copy with no WAL sidecar.
func (s *BackupService) backupDatabase(db *database.DB, backupPath string) error {
	// VACUUM INTO refuses to overwrite.
	os.Remove(backupPath)

	s.log.Debug().
		Str("database", db.Name()).
		Str("backup_path", backupPath).
		Msg("Backing up database")

	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	s.log.Debug().
		Str("database", db.Name()).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("Backup created")
	return nil
}

// verifyBackup opens the snapshot and runs an integrity check.
func (s *BackupService) verifyBackup(backupPath string) error {
	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// rotateDailyBackups deletes dated directories beyond the keep window.
func (s *BackupService) rotateDailyBackups() error {
	root := filepath.Join(s.backupDir, "daily")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	// Directory names are ISO dates, so lexical order is chronological.
	sort.Strings(dirs)

	for len(dirs) > s.keepDays {
		victim := filepath.Join(root, dirs[0])
		if err := os.RemoveAll(victim); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", victim, err)
		}
		s.log.Info().Str("dir", victim).Msg("Rotated old backup")
		dirs = dirs[1:]
	}
	return nil
}

// BackupJob adapts the backup service to the scheduler.
type BackupJob struct {
	service *BackupService
}

// NewBackupJob wraps a backup service as a scheduled job.
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Name implements scheduler.Job.
func (j *BackupJob) Name() string { return "daily_backup" }

// Run implements scheduler.Job.
func (j *BackupJob) Run() error { return j.service.DailyBackup() }
