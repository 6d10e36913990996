// Package scheduler runs one debounced batching loop per live source,
// driving the coalesce → optimize → filter pipeline and the per-event
// transport handshake (section 4.E).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sherry-sync/deamon/internal/coalescer"
	"github.com/sherry-sync/deamon/internal/filter"
	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/optimizer"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Timing and back-pressure constants from section 4.E.
const (
	perAwaitTimeout = 200 * time.Millisecond
	quietInterval   = 1 * time.Second
	channelCapacity = 100
)

// HashIndex is the subset of *hashindex.Index the scheduler needs: diffing
// incoming events against the last known state and persisting the result.
type HashIndex interface {
	Get(path string) (hashindex.Entry, bool)
	Upsert(path string, e hashindex.Entry)
	Remove(path string)
	Tombstone(path string, now int64)
	Commit() error
	KeysWithPrefix(prefix string) []string
}

// Sender is the per-event transport handshake: a policy check followed by
// the actual upload/delete/move call.
type Sender interface {
	Verify(ctx context.Context, ev syncmodel.SyncEvent) (bool, error)
	Send(ctx context.Context, ev syncmodel.SyncEvent) error
}

// Resolver looks up the live policy, hash index, and base path for a source
// id at flush time — resolved lazily so a source removed mid-debounce is
// simply dropped rather than racing the controller's config swap.
type Resolver interface {
	Resolve(sourceID string) (source syncmodel.Source, index HashIndex, basePath string, ok bool)
}

// Scheduler owns one debounce loop per source id, created lazily on first
// event and garbage-collected when its quiet interval elapses.
type Scheduler struct {
	mu      sync.Mutex
	running map[string]chan coalescer.RawEvent

	logger    *slog.Logger
	coalescer *coalescer.Coalescer
	filter    *filter.Filter
	sender    Sender
	resolver  Resolver
}

// New creates a Scheduler.
func New(logger *slog.Logger, c *coalescer.Coalescer, f *filter.Filter, sender Sender, resolver Resolver) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		running:   map[string]chan coalescer.RawEvent{},
		logger:    logger,
		coalescer: c,
		filter:    f,
		sender:    sender,
		resolver:  resolver,
	}
}

// Dispatch enqueues a raw event for sourceID, lazily starting its debounce
// loop. The channel entry is registered synchronously, under the lock,
// before the loop goroutine is spawned — a second Dispatch racing the first
// for the same never-yet-seen source must observe the same channel rather
// than spawning a duplicate loop.
func (s *Scheduler) Dispatch(ctx context.Context, sourceID string, ev coalescer.RawEvent) {
	s.mu.Lock()
	ch, ok := s.running[sourceID]
	if !ok {
		ch = make(chan coalescer.RawEvent, channelCapacity)
		s.running[sourceID] = ch

		go s.run(ctx, sourceID, ch)
	}
	s.mu.Unlock()

	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// run is the per-source debounce loop.
func (s *Scheduler) run(ctx context.Context, sourceID string, ch chan coalescer.RawEvent) {
	defer func() {
		s.mu.Lock()
		delete(s.running, sourceID)
		s.mu.Unlock()
	}()

	var batch []coalescer.RawEvent

	lastEvent := time.Now()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.flush(ctx, sourceID, batch)

				return
			}

			batch = append(batch, ev)
			lastEvent = time.Now()

		case <-time.After(perAwaitTimeout):
			if time.Since(lastEvent) >= quietInterval {
				s.flush(ctx, sourceID, batch)

				return
			}

		case <-ctx.Done():
			s.flush(ctx, sourceID, batch)

			return
		}
	}
}

// flush runs the B→C→D pipeline over one source's buffered raw events,
// resolves each surviving event against the hash index, and ships the
// changes that differ, finally persisting the index once.
func (s *Scheduler) flush(ctx context.Context, sourceID string, batch []coalescer.RawEvent) {
	if len(batch) == 0 {
		return
	}

	source, index, basePath, ok := s.resolver.Resolve(sourceID)
	if !ok {
		s.logger.Warn("scheduler: source no longer resolvable, dropping batch",
			slog.String("source", sourceID), slog.Int("events", len(batch)))

		return
	}

	paired := coalescer.PairRenames(batch, s.logger)
	coalesced := s.coalescer.Coalesce(paired, sourceID, basePath, index)
	optimized := optimizer.Optimize(coalesced)
	filtered := s.filter.Apply(optimized, source)

	dirty := false

	for _, ev := range filtered {
		if s.deliver(ctx, ev, index) {
			dirty = true
		}
	}

	if dirty {
		if err := index.Commit(); err != nil {
			s.logger.Error("scheduler: committing hash index failed",
				slog.String("source", sourceID), slog.String("error", err.Error()))
		}
	}
}

// deliver resolves one event against the hash index and, if it represents
// a real change, verifies and sends it. Returns true if the hash index was
// mutated (a server-confirmed send happened).
func (s *Scheduler) deliver(ctx context.Context, ev syncmodel.SyncEvent, index HashIndex) bool {
	now := syncmodel.NowMillis()

	var target hashindex.Entry
	if ev.Kind == syncmodel.EventDeleted {
		target = hashindex.Entry{Hash: "", Timestamp: now, Size: 0}
	} else {
		target = hashindex.Entry{Hash: ev.Hash, Timestamp: now, Size: ev.Size}
	}

	if cur, exists := index.Get(ev.SyncPath); exists && cur.Hash == target.Hash {
		return false
	}

	allowed, err := s.sender.Verify(ctx, ev)
	if err != nil {
		s.logger.Error("scheduler: verify failed", slog.String("path", ev.SyncPath), slog.String("error", err.Error()))

		return false
	}

	if !allowed {
		s.logger.Debug("scheduler: event denied by policy", slog.String("path", ev.SyncPath))

		return false
	}

	if err := s.sender.Send(ctx, ev); err != nil {
		s.logger.Error("scheduler: send failed, working copy not committed",
			slog.String("path", ev.SyncPath), slog.String("error", err.Error()))

		return false
	}

	switch ev.Kind {
	case syncmodel.EventDeleted:
		index.Tombstone(ev.SyncPath, now)
	case syncmodel.EventMoved:
		index.Remove(ev.OldSyncPath)
		index.Upsert(ev.SyncPath, target)
	default:
		index.Upsert(ev.SyncPath, target)
	}

	return true
}
