package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/partner-gateway/internal/metrics"
)

// record holds every window of one (partner, key) bucket under one mutex so
// the check-all-then-append step is atomic per bucket.
type record struct {
	mu      sync.Mutex
	windows [numWindows][]int64 // unix nanos, ascending
	dead    bool                // removed from the map; callers must reload

	lastTouch atomic.Int64
}

// trim drops timestamps at or before now-duration.
func (r *record) trim(w Window, now int64) {
	ts := r.windows[w]
	cut := now - int64(w.Duration())
	i := sort.Search(len(ts), func(i int) bool { return ts[i] > cut })
	if i == 0 {
		return
	}
	if i == len(ts) {
		r.windows[w] = ts[:0]
		return
	}
	// compact once the dead prefix dominates the backing array
	if i > len(ts)/2 {
		r.windows[w] = append(ts[:0:0], ts[i:]...)
		return
	}
	r.windows[w] = ts[i:]
}

// MemoryStore is the in-process sliding-window store. Different buckets
// never contend; one bucket serializes only its own read-modify-write.
type MemoryStore struct {
	records sync.Map // bucket -> *record
	size    atomic.Int64

	maxAge     time.Duration
	maxTracked int

	evictMu sync.Mutex
}

func NewMemoryStore(maxAge time.Duration, maxTracked int) *MemoryStore {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if maxTracked <= 0 {
		maxTracked = 100000
	}
	return &MemoryStore{maxAge: maxAge, maxTracked: maxTracked}
}

func (s *MemoryStore) Check(_ context.Context, bucket string, now time.Time, limits Limits) (Result, error) {
	nowNs := now.UnixNano()
	for {
		rec := s.load(bucket)
		rec.mu.Lock()
		if rec.dead {
			rec.mu.Unlock()
			continue
		}

		var (
			counts [numWindows]int
			oldest [numWindows]time.Time
		)
		for _, w := range Windows {
			rec.trim(w, nowNs)
			counts[w] = len(rec.windows[w])
			if counts[w] > 0 {
				oldest[w] = time.Unix(0, rec.windows[w][0])
			}
		}

		res := decide(now, limits, counts, oldest)
		if res.Allowed {
			for _, w := range Windows {
				rec.windows[w] = append(rec.windows[w], nowNs)
			}
		}
		rec.lastTouch.Store(nowNs)
		rec.mu.Unlock()
		return res, nil
	}
}

func (s *MemoryStore) load(bucket string) *record {
	if v, ok := s.records.Load(bucket); ok {
		return v.(*record)
	}
	fresh := &record{}
	v, loaded := s.records.LoadOrStore(bucket, fresh)
	if !loaded {
		s.size.Add(1)
	}
	return v.(*record)
}

// Len is the number of tracked buckets.
func (s *MemoryStore) Len() int { return int(s.size.Load()) }

// Sweep removes buckets untouched for longer than maxAge, trims every window
// to its own duration, and when more than maxTracked buckets remain evicts
// the least recently touched 10%.
func (s *MemoryStore) Sweep(now time.Time) (removed int) {
	nowNs := now.UnixNano()
	staleBefore := nowNs - int64(s.maxAge)

	s.records.Range(func(k, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		if rec.lastTouch.Load() < staleBefore {
			if s.kill(k, rec) {
				removed++
			}
		} else {
			for _, w := range Windows {
				rec.trim(w, nowNs)
			}
		}
		rec.mu.Unlock()
		return true
	})

	removed += s.evictOverflow()
	metrics.RateLimitTracked.Set(float64(s.size.Load()))
	return removed
}

// kill must be called with rec.mu held.
func (s *MemoryStore) kill(bucket any, rec *record) bool {
	if rec.dead {
		return false
	}
	if s.records.CompareAndDelete(bucket, rec) {
		rec.dead = true
		s.size.Add(-1)
		return true
	}
	return false
}

func (s *MemoryStore) evictOverflow() int {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	total := int(s.size.Load())
	if total <= s.maxTracked {
		return 0
	}

	type entry struct {
		bucket any
		rec    *record
		touch  int64
	}
	all := make([]entry, 0, total)
	s.records.Range(func(k, v any) bool {
		rec := v.(*record)
		all = append(all, entry{bucket: k, rec: rec, touch: rec.lastTouch.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].touch < all[j].touch })

	n := max(1, len(all)/10)
	evicted := 0
	for _, e := range all[:min(n, len(all))] {
		e.rec.mu.Lock()
		if s.kill(e.bucket, e.rec) {
			evicted++
		}
		e.rec.mu.Unlock()
	}
	return evicted
}

// Run sweeps every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(now())
		}
	}
}
