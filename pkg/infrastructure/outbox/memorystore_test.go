package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
)

// memoryStore is a transactional outbox with row locks and staged updates,
// enough to observe skip-locked and rollback behaviour.
type memoryStore struct {
	mu      sync.Mutex
	now     time.Time
	rows    map[string]*Message
	lockers map[string]*memoryTx

	// failMarkProcessed, when set, is consulted before a row is marked processed.
	failMarkProcessed func(id string) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		now:     testNow,
		rows:    make(map[string]*Message),
		lockers: make(map[string]*memoryTx),
	}
}

func (s *memoryStore) insert(eventType, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.Must(uuid.NewV7()).String()
	s.now = s.now.Add(time.Second)
	s.rows[id] = &Message{ID: id, Type: eventType, Content: content, OccurredOn: s.now}
	return id
}

func (s *memoryStore) row(id string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memoryStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, row := range s.rows {
		if row.Pending() {
			n++
		}
	}
	return n
}

func (s *memoryStore) ExecuteWithUnitOfWork(_ context.Context, callback func(provider Repository) error) (err error) {
	tx := &memoryTx{store: s, staged: make(map[string]Message)}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err == nil {
			for id, row := range tx.staged {
				stored := row
				s.rows[id] = &stored
			}
		}
		for id, owner := range s.lockers {
			if owner == tx {
				delete(s.lockers, id)
			}
		}
	}()
	return callback(tx)
}

type memoryTx struct {
	store  *memoryStore
	staged map[string]Message
}

func (tx *memoryTx) Append(_ context.Context, event outbox.Event) (string, error) {
	content, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	id := uuid.Must(uuid.NewV7()).String()
	tx.staged[id] = Message{ID: id, Type: event.Type(), Content: string(content), OccurredOn: tx.store.now}
	return id, nil
}

func (tx *memoryTx) FetchPending(_ context.Context, limit int) ([]Message, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Message
	for id, row := range s.rows {
		if !row.Pending() {
			continue
		}
		if owner, locked := s.lockers[id]; locked && owner != tx {
			continue
		}
		candidates = append(candidates, *row)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].OccurredOn.Before(candidates[j].OccurredOn)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, row := range candidates {
		s.lockers[row.ID] = tx
	}
	return candidates, nil
}

func (tx *memoryTx) MarkProcessed(_ context.Context, id string) error {
	if fail := tx.store.failMarkProcessed; fail != nil {
		if err := fail(id); err != nil {
			return err
		}
	}
	return tx.mark(id, "")
}

func (tx *memoryTx) MarkFailed(_ context.Context, id string, reason string) error {
	return tx.mark(id, reason)
}

func (tx *memoryTx) mark(id, reason string) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return errors.Errorf("row %s not found", id)
	}
	if s.lockers[id] != tx {
		return errors.Errorf("row %s is not locked by this transaction", id)
	}
	if !row.Pending() {
		return nil
	}
	updated := *row
	updated.ProcessedOn.Time, updated.ProcessedOn.Valid = s.now, true
	if reason != "" {
		updated.Error.String, updated.Error.Valid = reason, true
	}
	tx.staged[id] = updated
	return nil
}
