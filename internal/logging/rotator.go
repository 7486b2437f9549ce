package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// FileRotator is an io.Writer over a log file that keeps numbered
// generations next to it: path.1 is the newest backup, path.N the oldest.
// The file is rotated when a write would exceed the size limit and on
// the first write of a new day.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, info.Size(), time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p)), time.Now()) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64, now time.Time) bool {
	if r.size == 0 {
		return false
	}
	if r.maxBytes > 0 && r.size+incoming > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// rotate shifts every backup up one generation, dropping the oldest,
// and moves the live file to generation 1.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	r.file = nil

	if r.maxBackups <= 0 {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return r.open()
	}

	for gen := r.maxBackups; gen >= 1; gen-- {
		for _, suffix := range []string{"", ".gz"} {
			src := r.generation(gen) + suffix
			if gen == r.maxBackups {
				os.Remove(src)
				continue
			}
			if err := os.Rename(src, r.generation(gen+1)+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}

	first := r.generation(1)
	if err := os.Rename(r.path, first); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if r.compress {
		if err := gzipFile(first, first+".gz"); err != nil {
			os.Remove(first + ".gz")
		} else {
			os.Remove(first)
		}
	}
	r.expire(time.Now())
	return r.open()
}

func (r *FileRotator) generation(n int) string {
	return fmt.Sprintf("%s.%d", r.path, n)
}

// expire removes backups last written before now minus the age limit.
func (r *FileRotator) expire(now time.Time) {
	if r.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-r.maxAge)
	for gen := 1; gen <= r.maxBackups; gen++ {
		for _, name := range []string{r.generation(gen), r.generation(gen) + ".gz"} {
			if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(name)
			}
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		return err
	}
	zw.Name = filepath.Base(src)
	zw.ModTime = time.Now()

	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the live file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the live file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// GetLogFiles returns the live file followed by the existing backups,
// newest first.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	files := []string{r.path}
	for gen := 1; gen <= r.maxBackups; gen++ {
		for _, name := range []string{r.generation(gen), r.generation(gen) + ".gz"} {
			if _, err := os.Stat(name); err == nil {
				files = append(files, name)
			}
		}
	}
	return files, nil
}
