// Package runlog writes the per-run log files kept alongside structured
// logging: one file per feed ingest run, one per resolver run, under a
// fixed directory layout with a 7-day retention sweep.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetention is how long run log files are kept before the sweep
// removes them.
const DefaultRetention = 7 * 24 * time.Hour

// Writer appends timestamped lines to one run's log file. The zero value
// discards everything, so callers can treat log-file failures as
// non-fatal and keep a no-op Writer.
type Writer struct {
	f    *os.File
	path string
}

// slug lowercases s and replaces path-hostile characters so retailer names
// can appear in directory names.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// OpenAffiliateRun opens the log file for one affiliate feed run:
// <baseDir>/affiliate/<retailer-slug>/<iso-timestamp>.log
func OpenAffiliateRun(baseDir, retailer string, startedAt time.Time) (*Writer, error) {
	dir := filepath.Join(baseDir, "affiliate", slug(retailer))
	return open(dir, startedAt.UTC().Format("2006-01-02T15-04-05Z")+".log")
}

// OpenRetailerRun opens the log file for one retailer feed run:
// <baseDir>/retailers/<iso-timestamp>.log
func OpenRetailerRun(baseDir string, startedAt time.Time) (*Writer, error) {
	dir := filepath.Join(baseDir, "retailers")
	return open(dir, startedAt.UTC().Format("2006-01-02T15-04-05Z")+".log")
}

// OpenResolverRun opens the log file for resolver work. With a run id the
// file is <baseDir>/resolver/<runId>.log; without one, resolver work from
// all runs of the day shares <baseDir>/resolver/daily-<YYYY-MM-DD>.log.
func OpenResolverRun(baseDir string, runID *uint, now time.Time) (*Writer, error) {
	dir := filepath.Join(baseDir, "resolver")
	if runID != nil {
		return open(dir, fmt.Sprintf("%d.log", *runID))
	}
	return open(dir, "daily-"+now.UTC().Format("2006-01-02")+".log")
}

func open(dir, name string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log %s: %w", path, err)
	}
	return &Writer{f: f, path: path}, nil
}

// Printf appends one timestamped line. Write errors are swallowed: a full
// disk must never fail the run the log is describing.
func (w *Writer) Printf(format string, args ...interface{}) {
	if w == nil || w.f == nil {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	_, _ = w.f.WriteString(line)
}

// Path returns the log file's path, empty for a no-op Writer.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	return w.f.Close()
}

// Sweep removes log files older than retention under baseDir and prunes
// directories left empty. Intended to run on the same ticker cadence as
// the stuck-job sweeper.
func Sweep(baseDir string, retention time.Duration, log *logrus.Logger) {
	cutoff := time.Now().Add(-retention)
	removed := 0

	_ = filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rerr := os.Remove(path); rerr == nil {
				removed++
			}
		}
		return nil
	})

	// Bottom-up pass so a directory emptied above gets pruned too.
	var dirs []string
	_ = filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != baseDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}

	if removed > 0 && log != nil {
		log.WithFields(logrus.Fields{"removed": removed, "dir": baseDir}).Info("swept expired run logs")
	}
}
