// Package bridge executes fetch work inside a separate worker process hosting
// a vendor SDK that cannot be loaded in-process. The protocol is file-based:
// entity keys go in via a plain-text file, results come back as a gzipped CSV
// that always carries a header, and failures leave a sibling .err.txt report.
package bridge

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/frame"
)

// Runner executes one unit of worker fetch work.
type Runner interface {
	// FetchBars runs the worker for the given codes over [start, end]
	// (inclusive, compact "YYYYMMDDhhmmss" bounds) and returns the parsed
	// rows.
	FetchBars(codes []string, start, end string) (*frame.Frame, error)
}

// Config holds worker process parameters.
type Config struct {
	Python   string        // Interpreter path, e.g. "python3"
	Script   string        // Worker script path
	Period   string        // Bar granularity passed to the worker, e.g. "5m"
	Deadline time.Duration // Max wait for the output file
	TempDir  string        // Work directory for side-channel files
}

func (c *Config) applyDefaults() {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Period == "" {
		c.Period = "5m"
	}
	if c.Deadline <= 0 {
		c.Deadline = 120 * time.Second
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

// Worker is the production Runner backed by a subprocess.
type Worker struct {
	cfg  Config
	log  zerolog.Logger
	poll time.Duration
}

// NewWorker creates a subprocess-backed runner.
func NewWorker(cfg Config, log zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:  cfg,
		log:  log.With().Str("component", "worker_bridge").Logger(),
		poll: 500 * time.Millisecond,
	}
}

// FetchBars writes the code list to a side-channel file, launches the worker,
// waits for the output file to appear and become non-empty, and parses it.
// Re-running the same work order overwrites the same output path.
func (w *Worker) FetchBars(codes []string, start, end string) (*frame.Frame, error) {
	if len(codes) == 0 {
		return &frame.Frame{}, nil
	}
	if err := os.MkdirAll(w.cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worker temp dir: %w", err)
	}

	stamp := strconv.FormatInt(time.Now().UnixNano(), 36)
	codesPath := filepath.Join(w.cfg.TempDir, "codes_"+stamp+".txt")
	outPath := filepath.Join(w.cfg.TempDir, "bars_"+stamp+".csv.gz")
	errPath := outPath + ".err.txt"

	// The key list goes through a file to dodge command-line length limits.
	if err := os.WriteFile(codesPath, []byte(strings.Join(codes, "\n")+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write codes file: %w", err)
	}
	defer os.Remove(codesPath)
	defer os.Remove(outPath)

	// Stale reports from a previous attempt must not be mistaken for fresh
	// failures.
	os.Remove(errPath)

	cmd := exec.Command(w.cfg.Python, w.cfg.Script,
		"--codes-file", codesPath,
		"--start", start,
		"--end", end,
		"--out", outPath,
		"--period", w.cfg.Period,
	)
	cmd.Dir = w.cfg.TempDir

	w.log.Debug().
		Int("codes", len(codes)).
		Str("start", start).
		Str("end", end).
		Str("period", w.cfg.Period).
		Msg("Launching worker")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	deadline := time.Now().Add(w.cfg.Deadline)
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("worker failed: %w%s", err, readErrReport(errPath))
		}
	case <-time.After(w.cfg.Deadline):
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, fmt.Errorf("worker did not finish within %s%s", w.cfg.Deadline, readErrReport(errPath))
	}

	// The worker exited cleanly; its output may still be settling on slow
	// filesystems, so poll until the deadline rather than stat once.
	for !fileNonEmpty(outPath) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("worker output not ready within %s%s", w.cfg.Deadline, readErrReport(errPath))
		}
		time.Sleep(w.poll)
	}

	f, err := ParseBarsFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse worker output: %w", err)
	}
	return f, nil
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// readErrReport returns the worker's failure report formatted for inclusion
// in an error message, or "" when none exists.
func readErrReport(path string) string {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return ""
	}
	return ": " + strings.TrimSpace(string(b))
}

// ParseBarsFile reads a gzipped CSV produced by the worker. The header row is
// always present, so an empty-but-valid result parses as zero rows. Numeric
// cells become float64, everything else stays string, empty cells become NULL.
func ParseBarsFile(path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	r := csv.NewReader(gz)
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("worker output %s has no header", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	f := frame.New(append([]string(nil), header...)...)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", f.Len()+2, err)
		}
		row := make([]any, len(header))
		for i := range header {
			if i >= len(rec) {
				continue
			}
			row[i] = parseCell(rec[i])
		}
		if err := f.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseCell(s string) any {
	if s == "" {
		return nil
	}
	// Codes like 600000.SH must stay strings even though they look numeric
	// up to the suffix; ParseFloat rejects them, so the fallthrough is safe.
	if v, err := strconv.ParseFloat(s, 64); err == nil && !looksLikeCode(s) {
		return v
	}
	return s
}

// looksLikeCode guards timestamps and zero-padded identifiers against float
// coercion.
func looksLikeCode(s string) bool {
	if strings.Contains(s, "-") || strings.Contains(s, ":") {
		return true
	}
	return len(s) > 1 && s[0] == '0' && !strings.Contains(s, ".")
}
