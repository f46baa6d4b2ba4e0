package pager

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrel-db/kestrel/internal/obslog"
)

// PageFrame is one cached page: its bytes, the LSN of the last record that
// modified it, whether it needs to be written back, and how many callers
// currently hold a pin on it.
type PageFrame struct {
	ID      PageID
	Buf     []byte
	Dirty   bool
	PageLSN LSN
	pinned  int
}

// FlushFunc writes a dirty frame back to the underlying file, respecting
// WAL-before-data (the pager supplies this; the pool never touches the
// file directly).
type FlushFunc func(f *PageFrame) error

// BufferPool caches up to maxPages frames, evicting the least-recently-used
// unpinned frame when full. Eviction is delegated to
// github.com/hashicorp/golang-lru/v2, whose eviction callback is used to
// flush dirty victims and to refuse evicting a pinned frame by re-inserting
// it (a pinned frame is, by construction, always the most recently touched
// one of its kind, so this only triggers under pathological all-pinned
// workloads).
type BufferPool struct {
	mu    sync.Mutex
	cache *lru.Cache[PageID, *PageFrame]
	flush FlushFunc
}

func NewBufferPool(maxPages int, flush FlushFunc) *BufferPool {
	bp := &BufferPool{flush: flush}
	cache, err := lru.NewWithEvict[PageID, *PageFrame](maxPages, bp.onEvict)
	if err != nil {
		// Only returns an error for size <= 0, which Normalize() already
		// guards against upstream.
		panic(err)
	}
	bp.cache = cache
	return bp
}

func (bp *BufferPool) onEvict(key PageID, frame *PageFrame) {
	if frame.pinned > 0 {
		// Refuse to lose a pinned frame: put it back. The caller that holds
		// the pin will eventually Unpin it, making it evictable again.
		bp.cache.Add(key, frame)
		return
	}
	if frame.Dirty && bp.flush != nil {
		if err := bp.flush(frame); err != nil {
			obslog.For("bufferpool").Warn().Err(err).Uint64("page", uint64(key)).Msg("evict flush failed")
			return
		}
		frame.Dirty = false
	}
}

// Get returns the cached frame for id, pinning it, or (nil, false) on a
// cache miss.
func (bp *BufferPool) Get(id PageID) (*PageFrame, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	f, ok := bp.cache.Get(id)
	if !ok {
		return nil, false
	}
	f.pinned++
	return f, true
}

// Put inserts a freshly loaded frame, already pinned once for the caller.
func (bp *BufferPool) Put(frame *PageFrame) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	frame.pinned++
	bp.cache.Add(frame.ID, frame)
}

// Unpin releases one pin on id.
func (bp *BufferPool) Unpin(id PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f, ok := bp.cache.Peek(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// MarkDirty flags a cached frame dirty with the given page LSN.
func (bp *BufferPool) MarkDirty(id PageID, lsn LSN) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f, ok := bp.cache.Peek(id); ok {
		f.Dirty = true
		f.PageLSN = lsn
	}
}

// DirtyFrames returns every currently cached dirty frame, for checkpoint.
func (bp *BufferPool) DirtyFrames() []*PageFrame {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var out []*PageFrame
	for _, key := range bp.cache.Keys() {
		if f, ok := bp.cache.Peek(key); ok && f.Dirty {
			out = append(out, f)
		}
	}
	return out
}

// Remove drops a frame from the cache outright (used when a page is freed).
func (bp *BufferPool) Remove(id PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.cache.Remove(id)
}
