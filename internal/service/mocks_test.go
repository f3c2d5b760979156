package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

// ============ Mock SettingsRepository ============

type MockSettingsRepository struct {
	mu        sync.Mutex
	versions  map[int64]*models.Settings
	insertErr error
	latestErr error
	inserts   int
}

func NewMockSettingsRepository() *MockSettingsRepository {
	return &MockSettingsRepository{versions: make(map[int64]*models.Settings)}
}

func (m *MockSettingsRepository) Latest(ctx context.Context) (*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	var latest *models.Settings
	for _, s := range m.versions {
		if latest == nil || s.Version > latest.Version {
			latest = s
		}
	}
	if latest == nil {
		return nil, repository.ErrSettingsNotFound
	}
	c := latest.Clone()
	return &c, nil
}

func (m *MockSettingsRepository) Insert(ctx context.Context, s *models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, exists := m.versions[s.Version]; exists {
		return repository.ErrSettingsVersionExists
	}
	c := s.Clone()
	m.versions[s.Version] = &c
	m.inserts++
	return nil
}

func (m *MockSettingsRepository) History(ctx context.Context, limit int) ([]*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*models.Settings, 0, len(m.versions))
	for _, s := range m.versions {
		c := s.Clone()
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu            sync.Mutex
	notifications []*models.Notification
	createErr     error
	lastTypes     []string
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.notifications) > limit {
		return m.notifications[:limit], nil
	}
	return m.notifications, nil
}

func (m *MockNotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTypes = types
	var result []*models.Notification
	for _, n := range m.notifications {
		for _, t := range types {
			if n.Type == t {
				result = append(result, n)
			}
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.notifications[:0]
	var deleted int64
	for _, n := range m.notifications {
		if n.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return deleted, nil
}

func (m *MockNotificationRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// ============ Mock Hub ============

type MockHub struct {
	mu       sync.Mutex
	received []*models.Notification
}

func (h *MockHub) BroadcastNotification(n *models.Notification) {
	h.mu.Lock()
	h.received = append(h.received, n)
	h.mu.Unlock()
}

func (h *MockHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}
