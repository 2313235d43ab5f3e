package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const stampLayout = "20060102-150405.000"

// FileRotator appends to Config.FilePath and moves the file aside as
// <name>-<stamp><ext> once a write would take it past MaxSize megabytes.
// Moved files are gzipped when Compress is set, then trimmed to
// MaxBackups and MaxAge in the background.
type FileRotator struct {
	path     string
	maxBytes int64
	keep     int
	maxAge   time.Duration
	compress bool

	mu   sync.Mutex
	f    *os.File
	size int64

	cleanup sync.Mutex // serializes background compress and prune
	pending sync.WaitGroup
}

func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	r := &FileRotator{
		path:     cfg.FilePath,
		maxBytes: cfg.MaxSize << 20,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress: cfg.Compress,
	}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) reopen() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log: %w", err)
	}
	r.f, r.size = f, fi.Size()
	return nil
}

func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.reopen(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate moves the current file aside whatever its size.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *FileRotator) rotateLocked() error {
	if r.f != nil {
		err := r.f.Close()
		r.f = nil
		if err != nil {
			return err
		}
	}
	dir, name, ext := r.split()
	moved := filepath.Join(dir, name+"-"+time.Now().Format(stampLayout)+ext)
	if err := os.Rename(r.path, moved); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := r.reopen(); err != nil {
		return err
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.cleanup.Lock()
		defer r.cleanup.Unlock()
		if r.compress {
			_ = gzipAndRemove(moved)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) split() (dir, name, ext string) {
	base := filepath.Base(r.path)
	ext = filepath.Ext(base)
	return filepath.Dir(r.path), strings.TrimSuffix(base, ext), ext
}

// Backups lists the moved-aside files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	dir, name, ext := r.split()
	files, err := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (r *FileRotator) prune() {
	files, err := r.Backups()
	if err != nil {
		return
	}
	if r.keep > 0 {
		for len(files) > r.keep {
			os.Remove(files[0])
			files = files[1:]
		}
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, f := range files {
		if fi, err := os.Stat(f); err == nil && fi.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

func gzipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	dst, err := os.Create(path + ".gz")
	if err != nil {
		src.Close()
		return err
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, src)
	err = errors.Join(err, zw.Close(), dst.Close(), src.Close())
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// Close waits for background compression, then closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Wait()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
