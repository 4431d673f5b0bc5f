// Package file provides a directory-backed implementation of storage.Storage.
//
// Every key is one JSON document at <dir>/<namespace>/<escaped key>.json,
// written atomically through a temporary file and rename. Reads are served
// from an in-process cache that an fsnotify watcher invalidates whenever the
// directory tree changes, so edits made by another process (or by an operator
// removing a stale session file) are observed on the next Get.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/rpcguard-go/storage"
)

const (
	globalDir = "_global"
	fileExt   = ".json"
)

// Storage implements storage.Storage on top of the local filesystem.
type Storage struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	cache map[string]*storage.Item // path -> item

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Option customizes a Storage.
type Option func(*Storage)

// WithLogger overrides the logger used for watcher diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}

// New opens (creating if needed) a file store rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s := &Storage{
		dir:     filepath.Clean(dir),
		log:     slog.Default(),
		cache:   make(map[string]*storage.Item),
		watcher: w,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if err := s.watchTree(); err != nil {
		_ = w.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	options := storage.Apply(opts...)
	path := s.path(options.Namespace, key)

	s.mu.RLock()
	item, cached := s.cache[path]
	s.mu.RUnlock()

	if !cached {
		var err error
		item, err = readItem(path)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		s.mu.Lock()
		s.cache[path] = item
		s.mu.Unlock()
	}

	if item.IsExpired() {
		if err := s.remove(path); err != nil {
			return nil, err
		}
		return nil, nil
	}

	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	options := storage.Apply(opts...)
	path := s.path(options.Namespace, key)

	now := time.Now()
	stored := storedItem{Data: data, CreatedAt: now}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		stored.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	nsDir := filepath.Dir(path)
	if err := os.MkdirAll(nsDir, 0o700); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}
	if err := s.watcher.Add(nsDir); err != nil {
		s.log.Debug("storage.file.watch_failed", slog.String("dir", nsDir), slog.String("err", err.Error()))
	}

	tmp, err := os.CreateTemp(nsDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}

	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now, ExpiresAt: stored.ExpiresAt}
	s.mu.Lock()
	s.cache[path] = item
	s.mu.Unlock()
	return nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		return s.remove(s.path(options.Namespace, *options.Key))
	}

	nsDir := s.namespaceDir(options.Namespace)
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read namespace dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if err := s.remove(filepath.Join(nsDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the watcher and drops the read cache.
func (s *Storage) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.cache = make(map[string]*storage.Item)
	s.mu.Unlock()
	return err
}

func (s *Storage) namespaceDir(namespace string) string {
	if namespace == "" {
		return filepath.Join(s.dir, globalDir)
	}
	return filepath.Join(s.dir, url.PathEscape(namespace))
}

func (s *Storage) path(namespace, key string) string {
	return filepath.Join(s.namespaceDir(namespace), url.PathEscape(key)+fileExt)
}

func (s *Storage) remove(path string) error {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readItem(path string) (*storage.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	return &storage.Item{Data: stored.Data, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}, nil
}

// watchTree registers the root and every existing namespace directory.
func (s *Storage) watchTree() error {
	if err := s.watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := s.watcher.Add(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("watch %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Storage) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("storage.file.watch_error", slog.String("err", err.Error()))
		}
	}
}

func (s *Storage) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = s.watcher.Add(ev.Name)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, fileExt) {
		return
	}
	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
		s.mu.Lock()
		delete(s.cache, ev.Name)
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
