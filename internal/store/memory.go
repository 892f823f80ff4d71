package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nudgebot/internal/retry"
)

// memStore mirrors the sqlite driver's semantics without touching disk.
// Used by tests and throwaway runs.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]TaskDef
	reminders  map[string]Reminder
	retries    map[retry.SubjectKey]RetryAttempt
	deliveries []DeliveryRecord
	nextDelID  int64
}

func openMemory() Store {
	return &memStore{
		tasks:     make(map[string]TaskDef),
		reminders: make(map[string]Reminder),
		retries:   make(map[retry.SubjectKey]RetryAttempt),
	}
}

func (m *memStore) Close() error { return nil }

// --- scheduled tasks ---

func (m *memStore) UpsertTaskDef(_ context.Context, def TaskDef) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.tasks[def.Name]; ok {
		def.LastRun = prev.LastRun
		def.NextRun = prev.NextRun
	}
	m.tasks[def.Name] = def
	return nil
}

func (m *memStore) ListTaskDefs(_ context.Context) ([]TaskDef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskListLocked(false), nil
}

func (m *memStore) ListEnabledTaskDefs(_ context.Context) ([]TaskDef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskListLocked(true), nil
}

func (m *memStore) taskListLocked(enabledOnly bool) []TaskDef {
	out := make([]TaskDef, 0, len(m.tasks))
	for _, def := range m.tasks {
		if enabledOnly && !def.Enabled {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memStore) SetTaskRun(_ context.Context, name string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.tasks[name]
	if !ok {
		return ErrNotFound
	}
	def.LastRun = lastRun
	def.NextRun = nextRun
	m.tasks[name] = def
	return nil
}

func (m *memStore) PruneTaskDefs(_ context.Context, keep []string) (int64, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for name := range m.tasks {
		if !keepSet[name] {
			delete(m.tasks, name)
			n++
		}
	}
	return n, nil
}

// --- reminders ---

func (m *memStore) AddReminder(_ context.Context, r Reminder) (Reminder, error) {
	if err := r.Validate(); err != nil {
		return Reminder{}, err
	}
	if r.ID == "" {
		r.ID = "rem-" + uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reminders[r.ID]; exists {
		return Reminder{}, errors.New("reminder id already exists")
	}
	m.reminders[r.ID] = r
	return r, nil
}

func (m *memStore) DeleteReminder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[id]; !ok {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *memStore) ListReminders(_ context.Context, includeSent bool) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		if !includeSent && r.Sent {
			continue
		}
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

func (m *memStore) DueReminders(_ context.Context, now time.Time) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.reminders {
		if !r.Sent && !r.DueAt.After(now) {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func sortReminders(rs []Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].DueAt.Equal(rs[j].DueAt) {
			return rs[i].DueAt.Before(rs[j].DueAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (m *memStore) MarkReminderSent(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.Sent {
		return false, nil
	}
	r.Sent = true
	m.reminders[id] = r
	return true, nil
}

func (m *memStore) PurgeSentReminders(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.reminders {
		if r.Sent && r.DueAt.Before(olderThan) {
			delete(m.reminders, id)
			n++
		}
	}
	return n, nil
}

// --- retry subjects ---

func (m *memStore) EnsureRetry(_ context.Context, a RetryAttempt) (bool, error) {
	if a.Key.IsZero() {
		return false, errors.New("retry subject key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retries[a.Key]; ok {
		return false, nil
	}
	m.retries[a.Key] = a
	return true, nil
}

func (m *memStore) GetRetry(_ context.Context, key retry.SubjectKey) (RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.retries[key]
	if !ok {
		return RetryAttempt{}, ErrNotFound
	}
	return a, nil
}

func (m *memStore) DueRetries(_ context.Context, now time.Time) ([]RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RetryAttempt
	for _, a := range m.retries {
		if a.Live() && !a.NextAttempt.IsZero() && !a.NextAttempt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttempt.Equal(out[j].NextAttempt) {
			return out[i].NextAttempt.Before(out[j].NextAttempt)
		}
		if out[i].Key.Recipient != out[j].Key.Recipient {
			return out[i].Key.Recipient < out[j].Key.Recipient
		}
		return out[i].Key.Period < out[j].Key.Period
	})
	return out, nil
}

func (m *memStore) RecordRetryFailure(_ context.Context, key retry.SubjectKey, lastAttempt, nextAttempt time.Time) (RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.retries[key]
	if !ok || !a.Live() {
		return RetryAttempt{}, ErrNotFound
	}
	a.Attempts++
	if a.FirstAttempt.IsZero() {
		a.FirstAttempt = lastAttempt
	}
	a.LastAttempt = lastAttempt
	a.NextAttempt = nextAttempt
	m.retries[key] = a
	return a, nil
}

func (m *memStore) MarkRetrySuccess(_ context.Context, key retry.SubjectKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.retries[key]; ok {
		a.Succeeded = true
		m.retries[key] = a
	}
	return nil
}

func (m *memStore) MarkRetryGivenUp(_ context.Context, key retry.SubjectKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.retries[key]; ok && !a.Succeeded {
		a.GivenUp = true
		m.retries[key] = a
	}
	return nil
}

func (m *memStore) ListRetries(_ context.Context, liveOnly bool) ([]RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RetryAttempt, 0, len(m.retries))
	for _, a := range m.retries {
		if liveOnly && !a.Live() {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Recipient != out[j].Key.Recipient {
			return out[i].Key.Recipient < out[j].Key.Recipient
		}
		return out[i].Key.Period < out[j].Key.Period
	})
	return out, nil
}

func (m *memStore) PurgeRetries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, a := range m.retries {
		if a.Live() {
			continue
		}
		last := a.LastAttempt
		if last.IsZero() {
			last = a.FirstAttempt
		}
		if last.Before(olderThan) {
			delete(m.retries, key)
			n++
		}
	}
	return n, nil
}

// --- delivery log ---

func (m *memStore) AppendDelivery(_ context.Context, d DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDelID++
	d.ID = m.nextDelID
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memStore) RecentDeliveries(_ context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeliveryRecord, 0, limit)
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deliveries[i])
	}
	return out, nil
}
