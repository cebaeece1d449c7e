package local

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// Backend is the LocalBackend: records live in memory and, when a
// DeviceStore is attached, are mirrored to disk on every commit.
type Backend struct {
	mu      sync.Mutex
	records map[shared.UserID]*progression.UserProgress
	keys    map[shared.UserID]map[string]struct{}
	mirror  *DeviceStore
	logger  *slog.Logger
}

// NewBackend creates a LocalBackend. mirror may be nil.
func NewBackend(mirror *DeviceStore, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		records: make(map[shared.UserID]*progression.UserProgress),
		keys:    make(map[shared.UserID]map[string]struct{}),
		mirror:  mirror,
		logger:  logger.With("component", "local_backend"),
	}
}

// Kind implements progression.ProgressBackend.
func (b *Backend) Kind() progression.BackendKind { return progression.BackendLocal }

// Load returns a copy of the record, reading the mirror on a miss.
func (b *Backend) Load(ctx context.Context, id shared.UserID) (*progression.UserProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.records[id]; ok {
		return p.Clone(), nil
	}
	if b.mirror == nil {
		return nil, shared.ErrRecordNotFound
	}

	p, keys, err := b.mirror.LoadProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	b.records[id] = p
	b.keys[id] = set
	b.logger.Debug("record restored from device", "user_id", id, "keys", len(keys))
	return p.Clone(), nil
}

// Create stores a new record.
func (b *Backend) Create(ctx context.Context, p *progression.UserProgress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[p.UserID]; ok {
		return shared.ErrAlreadyExists
	}
	if b.mirror != nil {
		if err := b.mirror.SaveProgress(ctx, p); err != nil {
			return err
		}
	}
	b.records[p.UserID] = p.Clone()
	b.keys[p.UserID] = make(map[string]struct{})
	return nil
}

// Commit applies the patch once per idempotency key.
func (b *Backend) Commit(ctx context.Context, c progression.Commit) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[c.UserID]
	if !ok {
		return false, shared.ErrRecordNotFound
	}
	key := c.Key.String()
	if _, done := b.keys[c.UserID][key]; done {
		return false, nil
	}

	next := rec.Clone()
	next.Apply(c.Patch, c.At)

	if b.mirror != nil {
		applied, err := b.mirror.CommitProgress(ctx, next, key, c.At)
		if err != nil {
			return false, err
		}
		if !applied {
			b.keys[c.UserID][key] = struct{}{}
			return false, nil
		}
	}

	b.records[c.UserID] = next
	b.keys[c.UserID][key] = struct{}{}
	return true, nil
}

// Forget drops a record from memory. The mirror keeps it for a later resume.
func (b *Backend) Forget(id shared.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	delete(b.keys, id)
}

// Len returns the number of records held in memory.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Close releases the mirror.
func (b *Backend) Close() error {
	if b.mirror == nil {
		return nil
	}
	return b.mirror.Close()
}

var _ progression.ProgressBackend = (*Backend)(nil)
