package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"section-notifier/pkg/notifier"
)

// lockStale is the age after which a lock file is assumed to belong to a
// crashed process.
const lockStale = 10 * time.Second

var errLocked = errors.New("document locked by another process")

// fileBackend keeps one JSON document per item in a directory. Writes go to a
// temp file that is renamed over the old document. A lock file next to the
// document serializes writers across processes, so the CLI and a running
// server can share a directory.
type fileBackend struct {
	logger *slog.Logger
	dir    string
	mu     sync.Mutex
}

func openFile(cfg Config, logger *slog.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	logger.Info("Using local storage", "path", dir)
	return &docStore{b: &fileBackend{dir: dir, logger: logger}, now: time.Now}, nil
}

func (f *fileBackend) path(item notifier.ItemID) string {
	return filepath.Join(f.dir, documentKey(item))
}

func (f *fileBackend) lockPath(item notifier.ItemID) string {
	return filepath.Join(f.dir, ".lock-"+documentKey(item))
}

// lock creates the item's lock file, waiting for other holders to release it.
func (f *fileBackend) lock(ctx context.Context, item notifier.ItemID) (unlock func(), err error) {
	path := f.lockPath(item)
	err = retry.Do(
		func() error {
			fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err == nil {
				_, _ = fmt.Fprintf(fh, "%d\n", os.Getpid())
				return fh.Close()
			}
			if !errors.Is(err, os.ErrExist) {
				return retry.Unrecoverable(fmt.Errorf("create lock file: %w", err))
			}
			if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStale {
				f.logger.Warn("Removing stale lock file", "path", path, "age_ms", time.Since(info.ModTime()).Milliseconds())
				_ = os.Remove(path)
			}
			return errLocked
		},
		retry.Attempts(100),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", item, err)
	}
	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("Failed to remove lock file", "path", path, "error", err)
		}
	}, nil
}

func (f *fileBackend) load(_ context.Context, item notifier.ItemID) (*document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(item)
}

func (f *fileBackend) read(item notifier.ItemID) (*document, error) {
	data, err := os.ReadFile(f.path(item))
	if errors.Is(err, os.ErrNotExist) {
		return &document{Item: item}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &doc, nil
}

func (f *fileBackend) update(ctx context.Context, item notifier.ItemID, fn func(*document) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(ctx, item)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := f.read(item)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}

	path := f.path(item)
	if len(doc.Subscriptions) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		f.logger.Debug("Document removed", "path", path, "item", item)
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename document: %w", err)
	}
	f.logger.Debug("Document saved", "path", path, "item", item, "subscription_count", len(doc.Subscriptions))
	return nil
}

func (f *fileBackend) keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), docPrefix) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

func (*fileBackend) close() error { return nil }
