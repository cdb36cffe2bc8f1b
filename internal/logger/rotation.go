package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotationConfig configures a RotatingWriter.
type RotationConfig struct {
	Filename string
	// MaxSizeMB triggers a rotation once the active file would grow past it.
	// Non-positive disables rotation.
	MaxSizeMB int
	// MaxAgeDays removes backups older than this. Zero keeps them.
	MaxAgeDays int
	// MaxBackups keeps at most this many backups. Zero keeps them all.
	MaxBackups int
	Compress   bool
}

// RotatingWriter appends to a log file and moves it aside as
// <name>-<utc timestamp><ext> when it grows past the size limit. Backups are
// compressed and pruned in the background; Close waits for that work.
type RotatingWriter struct {
	cfg     RotationConfig
	maxSize int64
	now     func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64

	background sync.WaitGroup
}

// NewRotatingWriter opens cfg.Filename, creating its directory.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		cfg:     cfg,
		maxSize: int64(cfg.MaxSizeMB) * 1024 * 1024,
		now:     time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the active file aside now.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

// Close closes the active file and waits for pending compression and pruning.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.background.Wait()
	return err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName(w.now())
	if err := os.Rename(w.cfg.Filename, backup); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if w.cfg.Compress {
			_ = compressFile(backup)
		}
		w.prune()
	}()
	return nil
}

func (w *RotatingWriter) backupName(t time.Time) string {
	dir := filepath.Dir(w.cfg.Filename)
	ext := filepath.Ext(w.cfg.Filename)
	stem := strings.TrimSuffix(filepath.Base(w.cfg.Filename), ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.UTC().Format(backupTimeFormat), ext))
}

// backupFile groups the files of one rotation, which briefly exist both
// plain and compressed.
type backupFile struct {
	paths []string
	at    time.Time
}

// backups lists rotations, newest first.
func (w *RotatingWriter) backups() ([]backupFile, error) {
	dir := filepath.Dir(w.cfg.Filename)
	ext := filepath.Ext(w.cfg.Filename)
	prefix := strings.TrimSuffix(filepath.Base(w.cfg.Filename), ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byStamp := make(map[time.Time]*backupFile)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz"), ext)
		at, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		b, ok := byStamp[at]
		if !ok {
			b = &backupFile{at: at}
			byStamp[at] = b
		}
		b.paths = append(b.paths, filepath.Join(dir, name))
	}

	out := make([]backupFile, 0, len(byStamp))
	for _, b := range byStamp {
		out = append(out, *b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].at.After(out[j].at) })
	return out, nil
}

func (w *RotatingWriter) prune() {
	if w.cfg.MaxAgeDays <= 0 && w.cfg.MaxBackups <= 0 {
		return
	}
	files, err := w.backups()
	if err != nil {
		return
	}

	var cutoff time.Time
	if w.cfg.MaxAgeDays > 0 {
		cutoff = w.now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	}
	for i, f := range files {
		tooMany := w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups
		tooOld := w.cfg.MaxAgeDays > 0 && f.at.Before(cutoff)
		if tooMany || tooOld {
			for _, path := range f.paths {
				_ = os.Remove(path)
			}
		}
	}
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
