package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stackworks/steward/internal/state"
)

// Mock is a deterministic in-memory Provider for tests and dry runs.
// All methods are safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	// Err, when set, is returned by every Provider method.
	Err error

	items       map[string]*Item
	prLinks     map[string][]string
	transitions []StatusTransition

	failUpdates int
	failErr     error
}

// StatusTransition records one UpdateItemStatus call.
type StatusTransition struct {
	ItemID string
	From   state.TaskStatus
	To     state.TaskStatus
}

var _ Provider = (*Mock)(nil)

// NewMock returns an empty mock board.
func NewMock() *Mock {
	return &Mock{
		items:   make(map[string]*Item),
		prLinks: make(map[string][]string),
	}
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// AddItem installs or replaces an item. A missing ID is derived from
// RepositoryID and Number the way the GitHub provider shapes it.
func (m *Mock) AddItem(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = fmt.Sprintf("%s#%d", item.RepositoryID, item.Number)
	}
	if item.Kind == "" {
		item.Kind = "issue"
	}
	if item.Status == "" {
		item.Status = state.TaskTodo
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	item.Labels = append([]string(nil), item.Labels...)
	m.items[item.ID] = &item
}

// SetItemStatus moves an item without recording a transition, simulating
// a change made outside the orchestrator (a person dragging the card).
func (m *Mock) SetItemStatus(itemID string, status state.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[itemID]; ok {
		item.Status = status
		item.UpdatedAt = time.Now()
	}
}

// GetItems implements Provider. An empty boardID matches every item.
func (m *Mock) GetItems(_ context.Context, boardID string, status state.TaskStatus) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []Item
	for _, item := range m.items {
		if boardID != "" && item.RepositoryID != boardID {
			continue
		}
		if item.Status != status {
			continue
		}
		out = append(out, m.copyLocked(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FailNextUpdates makes the next n UpdateItemStatus calls fail with
// err, simulating a transiently unavailable board.
func (m *Mock) FailNextUpdates(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdates = n
	m.failErr = err
}

// UpdateItemStatus implements Provider, recording the transition.
func (m *Mock) UpdateItemStatus(_ context.Context, itemID string, status state.TaskStatus) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.failUpdates > 0 {
		m.failUpdates--
		return nil, m.failErr
	}
	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
	}

	m.transitions = append(m.transitions, StatusTransition{
		ItemID: itemID,
		From:   item.Status,
		To:     status,
	})
	item.Status = status
	item.UpdatedAt = time.Now()

	cp := m.copyLocked(item)
	return &cp, nil
}

// AddPullRequestToItem implements Provider.
func (m *Mock) AddPullRequestToItem(_ context.Context, itemID string, prURL string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
	}

	m.prLinks[itemID] = append(m.prLinks[itemID], prURL)
	item.UpdatedAt = time.Now()

	cp := m.copyLocked(item)
	return &cp, nil
}

// Item returns a copy of the item, if present.
func (m *Mock) Item(itemID string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return Item{}, false
	}
	return m.copyLocked(item), true
}

// Transitions returns every recorded UpdateItemStatus call in order.
func (m *Mock) Transitions() []StatusTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusTransition(nil), m.transitions...)
}

// PullRequestLinks returns the PR URLs attached to an item in order.
func (m *Mock) PullRequestLinks(itemID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prLinks[itemID]...)
}

// copyLocked copies an item, surfacing the most recently attached PR
// URL the way a provider with native PR links would.
func (m *Mock) copyLocked(item *Item) Item {
	cp := *item
	cp.Labels = append([]string(nil), item.Labels...)
	if links := m.prLinks[item.ID]; len(links) > 0 {
		cp.PullRequestURL = links[len(links)-1]
	}
	return cp
}
