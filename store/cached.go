package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pending is the part of one document the backing store has not seen yet.
type pending struct {
	content     bool // content and version changed since the last flush
	flushedRevs int  // length of the history prefix already written
	created     bool // the document itself is not in the backing store
}

// CachedStore serves every read and write from memory and writes changes
// behind to a slower backing store on a timer. Revisions always reach the
// backing store before the content they produced.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	mu            sync.Mutex
	dirty         map[string]*pending
	flushInterval time.Duration
	log           *zap.Logger
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore starts the flush loop; call Close to stop it.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, log *zap.Logger) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*pending),
		flushInterval: flushInterval,
		log:           log,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, content string) error {
	if err := cs.cache.Create(ctx, id, content); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &pending{content: true, created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss: load from backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateContent(ctx, id, content, version); err != nil {
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[id]
	if ds == nil {
		cs.cache.mu.RLock()
		flushed := len(cs.cache.docs[id].history)
		cs.cache.mu.RUnlock()
		ds = &pending{flushedRevs: flushed}
		cs.dirty[id] = ds
	}
	ds.content = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendRevision(ctx context.Context, id string, rev Revision) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	// Snapshot history length before append so we know how many revisions
	// were already flushed if this doc was previously clean.
	cs.cache.mu.RLock()
	prevLen := len(cs.cache.docs[id].history)
	cs.cache.mu.RUnlock()

	if err := cs.cache.AppendRevision(ctx, id, rev); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &pending{flushedRevs: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetRevisions(ctx context.Context, id string, fromVersion int) ([]Revision, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetRevisions(ctx, id, fromVersion)
}

// loadFromBacking loads a document and its revisions from the backing store
// into the cache, marking the loaded revisions as already flushed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	revs, err := cs.backing.GetRevisions(ctx, id, 0)
	if err != nil {
		return err
	}

	// Write directly into cache's internal map.
	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{
			info:    *info,
			history: revs,
		}
	}
	cs.cache.mu.Unlock()

	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &pending{flushedRevs: len(revs)}
	}
	cs.mu.Unlock()

	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]*pending, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		// Read current state from cache.
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		total := len(rec.history)
		var pending []Revision
		if ds.flushedRevs < total {
			pending = make([]Revision, total-ds.flushedRevs)
			copy(pending, rec.history[ds.flushedRevs:])
		}
		cs.cache.mu.RUnlock()

		if ds.created {
			if err := cs.backing.Create(ctx, id, info.Content); err != nil {
				cs.log.Warn("cached store: create in backing store failed", zap.String("doc", id), zap.Error(err))
				continue
			}
		}

		// Revisions go first so the backing store never holds content
		// without the revision that produced it.
		for _, rev := range pending {
			if err := cs.backing.AppendRevision(ctx, id, rev); err != nil {
				cs.log.Warn("cached store: flush revision failed",
					zap.String("doc", id), zap.Int("version", rev.Version), zap.Error(err))
				break
			}
			ds.flushedRevs++
		}

		if ds.content {
			if err := cs.backing.UpdateContent(ctx, id, info.Content, info.Version); err != nil {
				cs.log.Warn("cached store: flush content failed", zap.String("doc", id), zap.Error(err))
			} else {
				ds.content = false
			}
		}

		ds.created = false

		cs.mu.Lock()
		cur := cs.dirty[id]
		if cur != nil {
			cur.flushedRevs = ds.flushedRevs
			cur.created = ds.created
			if !ds.content {
				cur.content = false
			}
			if !cur.content && !cur.created && cur.flushedRevs >= total {
				// New revisions may have arrived since the snapshot.
				cs.cache.mu.RLock()
				if r, ok := cs.cache.docs[id]; ok && cur.flushedRevs >= len(r.history) {
					delete(cs.dirty, id)
				}
				cs.cache.mu.RUnlock()
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
