package completion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxMemoryDeadLetters bounds the in-process dead letter set; the oldest
// arrival is evicted to make room.
const maxMemoryDeadLetters = 256

// MemoryStore is the single process-wide slot: one record, overwritten on
// every completion and lost on restart. The mutex makes overwrite and read
// atomic under concurrent webhook deliveries.
type MemoryStore struct {
	mu   sync.RWMutex
	slot *Record
	opts options

	dead map[string]DeadLetter
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts: buildOptions(opts),
		dead: make(map[string]DeadLetter),
	}
}

// Put replaces the slot unless it already holds a completion that arrived
// after rec.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if err := checkRecord(rec, s.opts.maxPayload); err != nil {
		return err
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = Fingerprint(rec.ResponseData)
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot != nil && rec.ReceivedAt.Before(s.slot.ReceivedAt) {
		return nil
	}
	s.slot = &rec
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.slot == nil {
		return Record{}, ErrNotFound
	}
	return *s.slot, nil
}

// Get only finds the response currently occupying the slot.
func (s *MemoryStore) Get(_ context.Context, responseUUID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.slot == nil || s.slot.ResponseUUID != responseUUID {
		return Record{}, ErrNotFound
	}
	return *s.slot, nil
}

func (s *MemoryStore) PutDeadLetter(_ context.Context, responseUUID string, receivedAt time.Time, cause error) error {
	now := time.Now().UTC()
	if receivedAt.IsZero() {
		receivedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.dead[responseUUID]
	if !ok {
		if len(s.dead) >= maxMemoryDeadLetters {
			s.evictOldestLocked()
		}
		dl = DeadLetter{ID: uuid.NewString(), ResponseUUID: responseUUID, CreatedAt: receivedAt.UTC()}
	}
	dl.Attempts++
	dl.LastError = errString(cause)
	dl.UpdatedAt = now
	s.dead[responseUUID] = dl
	return nil
}

func (s *MemoryStore) evictOldestLocked() {
	var (
		oldest string
		at     time.Time
	)
	for key, dl := range s.dead {
		if oldest == "" || dl.CreatedAt.Before(at) {
			oldest, at = key, dl.CreatedAt
		}
	}
	delete(s.dead, oldest)
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.dead))
	for _, dl := range s.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, responseUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dead[responseUUID]; !ok {
		return ErrNotFound
	}
	delete(s.dead, responseUUID)
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if s.slot != nil && s.slot.ReceivedAt.Before(cutoff) {
		s.slot = nil
		n++
	}
	for key, dl := range s.dead {
		if dl.CreatedAt.Before(cutoff) {
			delete(s.dead, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Driver() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
