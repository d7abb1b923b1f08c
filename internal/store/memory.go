package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/ordo/pkg/schema"
)

// MemoryRepository is an in-memory Repository used by unit tests and
// available as a throwaway backend. It mirrors the libSQL semantics:
// updated_at refresh, sticky completed_at, cascade history deletion.
type MemoryRepository struct {
	mu        sync.Mutex
	instances map[string]*schema.WorkflowInstance
	history   map[string][]*schema.HistoryEntry
	nextID    int64
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[string]*schema.WorkflowInstance),
		history:   make(map[string][]*schema.HistoryEntry),
		nextID:    1,
	}
}

func (r *MemoryRepository) CreateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.InstanceID]; exists {
		return schema.NewErrorf(schema.ErrCodePersistenceQuery,
			"instance %q already exists", inst.InstanceID)
	}

	cp := inst.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	r.instances[cp.InstanceID] = cp
	return nil
}

func (r *MemoryRepository) GetInstance(_ context.Context, id string) (*schema.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, instanceNotFound(id)
	}
	return inst.Clone(), nil
}

func (r *MemoryRepository) UpdateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(inst)
}

func (r *MemoryRepository) updateLocked(inst *schema.WorkflowInstance) error {
	existing, ok := r.instances[inst.InstanceID]
	if !ok {
		return instanceNotFound(inst.InstanceID)
	}

	cp := inst.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	if !cp.UpdatedAt.After(existing.UpdatedAt) {
		cp.UpdatedAt = existing.UpdatedAt.Add(time.Microsecond)
	}
	// completed_at is sticky: set on the first COMPLETED update, never cleared.
	if existing.CompletedAt != nil {
		cp.CompletedAt = existing.CompletedAt
	} else if cp.Status == schema.StatusCompleted {
		now := time.Now().UTC()
		cp.CompletedAt = &now
	} else {
		cp.CompletedAt = nil
	}

	r.instances[cp.InstanceID] = cp
	return nil
}

func (r *MemoryRepository) DeleteInstance(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return instanceNotFound(id)
	}
	delete(r.instances, id)
	delete(r.history, id) // cascade
	return nil
}

func (r *MemoryRepository) AppendHistory(_ context.Context, entry *schema.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(entry)
}

func (r *MemoryRepository) appendLocked(entry *schema.HistoryEntry) error {
	if _, ok := r.instances[entry.InstanceID]; !ok {
		return schema.NewErrorf(schema.ErrCodePersistenceQuery,
			"history entry references missing instance %q", entry.InstanceID)
	}
	cp := *entry
	cp.HistoryID = r.nextID
	r.nextID++
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	r.history[cp.InstanceID] = append(r.history[cp.InstanceID], &cp)
	return nil
}

func (r *MemoryRepository) GetHistory(_ context.Context, instanceID string, limit int) ([]*schema.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.history[instanceID]
	out := make([]*schema.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- { // most-recent-first
		cp := *entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) CommitTransition(_ context.Context, entry *schema.HistoryEntry, inst *schema.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the update target before appending so a failure leaves no trace.
	if _, ok := r.instances[inst.InstanceID]; !ok {
		return instanceNotFound(inst.InstanceID)
	}
	if err := r.appendLocked(entry); err != nil {
		return err
	}
	return r.updateLocked(inst)
}

func (r *MemoryRepository) Migrate(context.Context) error { return nil }
func (r *MemoryRepository) Vacuum(context.Context) error  { return nil }
func (r *MemoryRepository) Close() error                  { return nil }
