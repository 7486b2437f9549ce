// Package evidence copies the files that back a recorded event into its
// storage slot.
//
// Single files are copied synchronously, keeping only the tail of files
// larger than the configured cap and compressing large copies. Whole
// directories are copied in the background, bounded by a semaphore.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"

	"crashlogd/internal/metrics"
)

const (
	DefaultMaxCopyBytes = 10 << 20
	DefaultBulkWorkers  = 2

	// GzipSuffix is appended to compressed copies.
	GzipSuffix = ".gz"
)

// ErrClosed is returned by CopyDirAsync after Wait has started.
var ErrClosed = errors.New("evidence: copier is closed")

// Config controls copy limits.
type Config struct {
	// MaxCopyBytes caps a single file copy; larger files keep their tail.
	MaxCopyBytes int64
	// CompressThreshold enables gzip for copies at least this large; 0
	// disables compression.
	CompressThreshold int64
	// BulkWorkers bounds concurrent directory copies.
	BulkWorkers int64
	FileMode    fs.FileMode

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Copier performs evidence copies.
type Copier struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a Copier.
func New(cfg Config) *Copier {
	if cfg.MaxCopyBytes <= 0 {
		cfg.MaxCopyBytes = DefaultMaxCopyBytes
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = DefaultBulkWorkers
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Copier{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "evidence"),
		metrics: cfg.Metrics,
		sem:     semaphore.NewWeighted(cfg.BulkWorkers),
	}
}

// CopyFile copies src into dstDir under name, or under the base name of src
// when name is empty. It returns the path written.
func (c *Copier) CopyFile(src, dstDir, name string) (string, error) {
	if name == "" {
		name = filepath.Base(src)
	}
	dst, n, err := c.copyFile(src, filepath.Join(dstDir, name))
	c.metrics.RecordEvidence("file", n, err)
	if err != nil {
		return "", err
	}
	c.logger.Debug("evidence copied", "src", src, "dst", dst, "bytes", n)
	return dst, nil
}

func (c *Copier) copyFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("evidence: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("evidence: stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("evidence: %s is not a regular file", src)
	}

	size := info.Size()
	if size > c.cfg.MaxCopyBytes {
		if _, err := in.Seek(size-c.cfg.MaxCopyBytes, io.SeekStart); err != nil {
			return "", 0, fmt.Errorf("evidence: seek %s: %w", src, err)
		}
		size = c.cfg.MaxCopyBytes
	}
	r := io.LimitReader(in, size)

	compress := c.cfg.CompressThreshold > 0 && size >= c.cfg.CompressThreshold
	if compress {
		dst += GzipSuffix
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, c.cfg.FileMode)
	if err != nil {
		return "", 0, fmt.Errorf("evidence: create %s: %w", dst, err)
	}

	var n int64
	if compress {
		zw := gzip.NewWriter(out)
		zw.Name = filepath.Base(src)
		zw.ModTime = info.ModTime()
		n, err = io.Copy(zw, r)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	} else {
		n, err = io.Copy(out, r)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", n, fmt.Errorf("evidence: copy %s: %w", src, err)
	}
	return dst, n, nil
}

// CopyDir copies the tree under src into dst. Files are copied whole.
func (c *Copier) CopyDir(ctx context.Context, src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			n, err := copyWhole(path, target, c.cfg.FileMode)
			total += n
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return total, fmt.Errorf("evidence: copy dir %s: %w", src, err)
	}
	return total, nil
}

func copyWhole(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// CopyDirAsync copies src into dst in the background. The paths are
// captured by value; done, when non-nil, receives the outcome.
func (c *Copier) CopyDirAsync(ctx context.Context, src, dst string, done func(n int64, err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.metrics.RecordEvidence("dir", 0, err)
			if done != nil {
				done(0, err)
			}
			return
		}
		defer c.sem.Release(1)

		n, err := c.CopyDir(ctx, src, dst)
		c.metrics.RecordEvidence("dir", n, err)
		if err != nil {
			c.logger.Warn("bulk copy failed", "src", src, "dst", dst, "error", err)
		} else {
			c.logger.Debug("bulk copy done", "src", src, "dst", dst, "bytes", n)
		}
		if done != nil {
			done(n, err)
		}
	}()
	return nil
}

// Wait stops accepting bulk copies and blocks until in-flight ones finish.
func (c *Copier) Wait() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
