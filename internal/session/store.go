package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Dir        string
	HotWindow  time.Duration
	WarmWindow time.Duration
	Retention  time.Duration
}

// Store is the tiered session cache. It owns the hot-tier map, the on-disk
// snapshot directory, and the per-key locks that serialize same-conversation
// requests. Resolve never fails: any internal inconsistency degrades to a
// cold session.
type Store struct {
	dir        string
	hotWindow  time.Duration
	warmWindow time.Duration
	retention  time.Duration

	mu    sync.Mutex
	hot   map[string]*Session
	locks map[string]chan struct{}

	loads    singleflight.Group
	sweeping atomic.Bool

	now func() time.Time
}

// NewStore creates a Store rooted at opts.Dir. The directory is created on
// first use; creation failure degrades to cold-only operation.
func NewStore(opts StoreOptions) *Store {
	if opts.HotWindow <= 0 {
		opts.HotWindow = 60 * time.Second
	}
	if opts.WarmWindow <= opts.HotWindow {
		opts.WarmWindow = 15 * time.Minute
	}
	if opts.Retention <= opts.WarmWindow {
		opts.Retention = 24 * time.Hour
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		slog.Warn("Session dir unavailable, warm tier disabled", "dir", opts.Dir, "error", err)
	}
	return &Store{
		dir:        opts.Dir,
		hotWindow:  opts.HotWindow,
		warmWindow: opts.WarmWindow,
		retention:  opts.Retention,
		hot:        make(map[string]*Session),
		locks:      make(map[string]chan struct{}),
		now:        time.Now,
	}
}

// Acquire takes the per-key mutex for a (bot, conversation) pair, blocking
// until the in-flight holder releases it or ctx expires. The returned func
// releases the lock and must be called exactly once.
func (s *Store) Acquire(ctx context.Context, botID, conversationID string) (func(), error) {
	key := Key(botID, conversationID)

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve returns the session for a key together with the tier it came from.
// Tier resolution: hot (resident and fresh), warm (snapshot on disk and
// fresh), cold (neither). The caller must hold the key's Acquire lock.
func (s *Store) Resolve(botID, conversationID string) (*Session, Tier) {
	key := Key(botID, conversationID)
	now := s.now()

	s.mu.Lock()
	sess, resident := s.hot[key]
	if resident {
		if now.Sub(sess.lastActive()) < s.hotWindow {
			s.mu.Unlock()
			sess.setOrigin(TierHot)
			return sess, TierHot
		}
		// Stale resident entry the sweep has not reached yet: demote it now
		// so the warm path below sees a current snapshot.
		delete(s.hot, key)
		s.mu.Unlock()
		if err := s.writeSnapshot(sess); err != nil {
			slog.Warn("Session demotion snapshot failed", "key", key, "error", err)
		}
	} else {
		s.mu.Unlock()
	}

	// Warm path: rehydrate from disk. Concurrent loads of one key collapse.
	v, err, _ := s.loads.Do(key, func() (any, error) {
		return s.readSnapshot(botID, conversationID)
	})
	loaded, _ := v.(*Session)
	if err == nil && loaded != nil {
		if now.Sub(loaded.lastActive()) < s.warmWindow {
			loaded.setOrigin(TierWarm)
			s.mu.Lock()
			s.hot[key] = loaded
			s.mu.Unlock()
			return loaded, TierWarm
		}
	}

	// Cold path.
	fresh := New(botID, conversationID)
	s.mu.Lock()
	s.hot[key] = fresh
	s.mu.Unlock()
	return fresh, TierCold
}

// WriteBack records a successful use: refreshes the activity timestamp and,
// when the session was not already hot, persists the snapshot so a warm hit
// survives a process restart. Disk errors are logged, never returned.
func (s *Store) WriteBack(sess *Session) {
	sess.Touch(s.now())
	if sess.Origin() == TierHot {
		return
	}
	if err := s.writeSnapshot(sess); err != nil {
		slog.Warn("Session snapshot write failed", "key", sess.Key(), "error", err)
	}
}

// Invalidate drops a key from every tier.
func (s *Store) Invalidate(botID, conversationID string) {
	key := Key(botID, conversationID)
	s.mu.Lock()
	delete(s.hot, key)
	s.mu.Unlock()
	_ = os.Remove(s.snapshotPath(botID, conversationID))
}

// Sweep demotes idle hot sessions to disk and purges snapshots past the
// retention ceiling. It is single-flight: a sweep that would overlap a
// running one returns immediately.
func (s *Store) Sweep() {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)

	now := s.now()

	// Pass 1: demote idle hot sessions. Keys currently locked by an
	// in-flight request are skipped; the next sweep gets them.
	s.mu.Lock()
	type demotion struct {
		key     string
		sess    *Session
		release func()
	}
	var idle []demotion
	for key, sess := range s.hot {
		if now.Sub(sess.lastActive()) < s.hotWindow {
			continue
		}
		l, ok := s.locks[key]
		if ok {
			select {
			case l <- struct{}{}:
			default:
				continue // in use
			}
		}
		release := func() {}
		if ok {
			release = func() { <-l }
		}
		idle = append(idle, demotion{key: key, sess: sess, release: release})
	}
	for _, d := range idle {
		delete(s.hot, d.key)
	}
	s.mu.Unlock()

	for _, d := range idle {
		if err := s.writeSnapshot(d.sess); err != nil {
			slog.Warn("Session demotion snapshot failed", "key", d.key, "error", err)
		}
		d.release()
	}
	if len(idle) > 0 {
		slog.Debug("Session sweep demoted", "count", len(idle))
	}

	// Pass 2: purge stale warm snapshots.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	purged := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		snap, err := readSnapshotFile(path)
		if err != nil {
			// Unreadable snapshot is as good as absent.
			_ = os.Remove(path)
			purged++
			continue
		}
		if now.Sub(snap.lastActive()) >= s.retention {
			_ = os.Remove(path)
			purged++
		}
	}
	if purged > 0 {
		slog.Debug("Session sweep purged", "count", purged)
	}
}

// Stats reports cache occupancy for the health endpoint.
func (s *Store) Stats() (hot, warm int) {
	s.mu.Lock()
	hot = len(s.hot)
	s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return hot, 0
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			warm++
		}
	}
	return hot, warm
}

// writeSnapshot persists a session atomically: write to a temp file in the
// same directory, then rename over the target. A reader never observes a
// partial snapshot.
func (s *Store) writeSnapshot(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	sess.mu.RLock()
	data, err := json.Marshal(sess)
	sess.mu.RUnlock()
	if err != nil {
		return err
	}
	path := s.snapshotPath(sess.BotID, sess.ConversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readSnapshot loads a snapshot, returning (nil, nil) when the key is cold.
// A corrupted file is removed and treated as absent.
func (s *Store) readSnapshot(botID, conversationID string) (*Session, error) {
	path := s.snapshotPath(botID, conversationID)
	snap, err := readSnapshotFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Corrupt session snapshot discarded", "path", path, "error", err)
			_ = os.Remove(path)
		}
		return nil, nil
	}
	return snap, nil
}

func readSnapshotFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.BotID == "" || sess.ConversationID == "" {
		return nil, os.ErrInvalid
	}
	return &sess, nil
}

func (s *Store) snapshotPath(botID, conversationID string) string {
	safe := sanitizeKeyPart(botID) + "__" + sanitizeKeyPart(conversationID)
	return filepath.Join(s.dir, filepath.Base(safe)+".json")
}

// sanitizeKeyPart strips separators and traversal components so a malformed
// key cannot escape the session directory.
func sanitizeKeyPart(part string) string {
	part = strings.ReplaceAll(part, "/", "_")
	part = strings.ReplaceAll(part, "\\", "_")
	part = strings.ReplaceAll(part, "..", "_")
	part = strings.ReplaceAll(part, ":", "_")
	return part
}
