// Package frame provides the latest-frame store and cold-start waiters.
// The store holds at most one current frame per view id; frames are
// immutable once published.
package frame

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Frame is the latest captured image for a view: PNG bytes, the quoted
// SHA-1 ETag of those bytes, and the publication timestamp in millis.
type Frame struct {
	PNG  []byte
	ETag string
	TS   int64
}

// New builds a Frame from PNG bytes, minting the ETag.
func New(png []byte, ts time.Time) *Frame {
	return &Frame{
		PNG:  png,
		ETag: ETag(png),
		TS:   ts.UnixMilli(),
	}
}

// ETag returns the quoted SHA-1 hex of the given bytes.
func ETag(b []byte) string {
	sum := sha1.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// Store holds the latest frame per view id and the set of pending
// cold-start waiters per view id. All access is serialized by one mutex;
// waiter resolution never blocks the publisher (channels are buffered).
type Store struct {
	mu      sync.Mutex
	frames  map[string]*Frame
	waiters map[string]map[chan bool]struct{}
}

// NewStore creates an empty frame store.
func NewStore() *Store {
	return &Store{
		frames:  make(map[string]*Frame),
		waiters: make(map[string]map[chan bool]struct{}),
	}
}

// Put publishes a frame for a view, replacing any previous frame, and
// resolves all pending waiters for that view with success.
func (s *Store) Put(viewID string, f *Frame) {
	s.mu.Lock()
	s.frames[viewID] = f
	waiters := s.waiters[viewID]
	delete(s.waiters, viewID)
	s.mu.Unlock()

	for ch := range waiters {
		ch <- true
	}

	log.Debug().
		Str("view", viewID).
		Str("etag", f.ETag).
		Int("bytes", len(f.PNG)).
		Int("resolved_waiters", len(waiters)).
		Msg("Frame published")
}

// Get returns the latest frame for a view, or nil.
func (s *Store) Get(viewID string) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[viewID]
}

// Wait blocks until a frame exists for the view or the wait budget expires.
// If a frame already exists it returns true without blocking. The wait
// duration is floored at zero.
func (s *Store) Wait(viewID string, wait time.Duration) bool {
	if wait < 0 {
		wait = 0
	}

	s.mu.Lock()
	if s.frames[viewID] != nil {
		s.mu.Unlock()
		return true
	}
	ch := make(chan bool, 1)
	if s.waiters[viewID] == nil {
		s.waiters[viewID] = make(map[chan bool]struct{})
	}
	s.waiters[viewID][ch] = struct{}{}
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ok := <-ch:
		return ok
	case <-timer.C:
		// Prune the waiter; a concurrent Put may have resolved it already.
		s.mu.Lock()
		if set, exists := s.waiters[viewID]; exists {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.waiters, viewID)
			}
		}
		s.mu.Unlock()
		select {
		case ok := <-ch:
			return ok
		default:
			return false
		}
	}
}

// Len returns the number of views with a published frame.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
