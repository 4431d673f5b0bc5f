package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/rpcguard-go/storage"
)

// Stats returns the statistics record, or nil when none exists or it is
// older than Config.StatsMaxAge.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats(ctx, s.now())
}

func (s *Store) stats(ctx context.Context, now time.Time) (*Stats, error) {
	item, err := s.backend.Get(ctx, StatsKey, storage.WithNamespace(Namespace))
	if err != nil {
		return nil, fmt.Errorf("read session stats: %w", err)
	}
	if item == nil {
		return nil, nil
	}

	var st Stats
	if err := json.Unmarshal(item.Data, &st); err != nil {
		s.log.WarnContext(ctx, "session.stats_corrupt", slog.String("err", err.Error()))
		return nil, s.clearStats(ctx)
	}
	if now.Sub(st.LastConnected) > s.cfg.StatsMaxAge {
		return nil, s.clearStats(ctx)
	}
	return &st, nil
}

// ClearStats removes the statistics record.
func (s *Store) ClearStats(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearStats(ctx)
}

func (s *Store) clearStats(ctx context.Context) error {
	if err := s.backend.Delete(ctx, storage.WithNamespace(Namespace), storage.WithKey(StatsKey)); err != nil {
		return fmt.Errorf("clear session stats: %w", err)
	}
	return nil
}

// recordConnection folds one saved session into the statistics. A stale
// record is restarted from this connection.
func (s *Store) recordConnection(ctx context.Context, sess *Session, now time.Time) error {
	st, err := s.stats(ctx, now)
	if err != nil {
		return err
	}

	current := now.Sub(sess.ConnectedAt)
	if st == nil {
		st = &Stats{AverageSessionDuration: current}
	} else {
		st.AverageSessionDuration = (st.AverageSessionDuration + current) / 2
	}
	if st.Networks == nil {
		st.Networks = map[uint64]int{}
	}
	if st.ConnectionMethods == nil {
		st.ConnectionMethods = map[Method]int{}
	}

	st.TotalConnections++
	st.LastConnected = now
	st.ConnectionMethods[sess.Method]++
	st.Networks[sess.NetworkID]++
	if st.Networks[sess.NetworkID] >= st.Networks[st.MostUsedNetwork] {
		st.MostUsedNetwork = sess.NetworkID
	}

	return s.writeStats(ctx, st)
}

func (s *Store) writeStats(ctx context.Context, st *Stats) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session stats: %w", err)
	}
	return s.backend.Set(ctx, StatsKey, raw, storage.WithNamespace(Namespace), storage.WithTTL(s.cfg.StatsMaxAge))
}

// Export is the backup document produced by Store.Export.
type Export struct {
	Session    *Session  `json:"session"`
	Stats      *Stats    `json:"stats"`
	ExportedAt time.Time `json:"exportedAt"`
	Version    string    `json:"version"`
}

// Export serializes the current session and statistics.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	st, err := s.stats(ctx, now)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(Export{Session: sess, Stats: st, ExportedAt: now, Version: ExportVersion}, "", "  ")
}

// Import restores a document produced by Export. The imported session's
// activity is stamped now; statistics are written as given.
func (s *Store) Import(ctx context.Context, data []byte) error {
	var doc Export
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse session export: %w", err)
	}
	if doc.Version != "" && !strings.HasPrefix(doc.Version, "1.") {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, doc.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Session != nil {
		if err := s.write(ctx, doc.Session, s.now()); err != nil {
			return err
		}
	}
	if doc.Stats != nil {
		if err := s.writeStats(ctx, doc.Stats); err != nil {
			return fmt.Errorf("write session stats: %w", err)
		}
	}
	s.log.InfoContext(ctx, "session.imported", slog.Bool("session", doc.Session != nil), slog.Bool("stats", doc.Stats != nil))
	return nil
}

// Cleanup drops an invalid session and stale statistics.
func (s *Store) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(ctx); err != nil {
		return err
	}
	_, err := s.stats(ctx, s.now())
	return err
}
