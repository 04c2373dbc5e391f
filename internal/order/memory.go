package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type memoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[string]*Order
	records []VerificationRecord
}

// NewMemoryRepository returns a process-local Repository with the same conditional-update
// semantics as the SQL one. It backs the memory:// database URL and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{orders: make(map[string]*Order)}
}

func (m *memoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryRepository) CreateIfAbsent(_ context.Context, o *Order) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[o.OrderSN]; ok {
		cp := copyOrder(existing)
		return &cp, false, nil
	}

	now := time.Now().UTC()
	stored := copyOrder(o)
	stored.ID = m.id()
	stored.Verified = false
	stored.VerifiedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if len(stored.GoodsInfo) == 0 {
		stored.GoodsInfo = types.JSONText("[]")
	}
	m.orders[o.OrderSN] = &stored

	cp := copyOrder(&stored)
	return &cp, true, nil
}

func (m *memoryRepository) GetBySN(_ context.Context, orderSN string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderSN]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := copyOrder(o)
	return &cp, nil
}

func (m *memoryRepository) AssignCode(_ context.Context, orderSN, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderSN]
	if !ok || o.Status != StatusPaid {
		return "", ErrStateConflict
	}
	if o.VerificationCode == nil {
		c := code
		o.VerificationCode = &c
		o.UpdatedAt = time.Now().UTC()
	}
	return *o.VerificationCode, nil
}

func (m *memoryRepository) ListAwaitingShipment(_ context.Context, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]Order, 0)
	for _, o := range m.orders {
		if o.Status == StatusPaid && o.VerificationCode != nil {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) MarkShipped(_ context.Context, orderSN, code string, delivery types.JSONText, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderSN]
	if !ok || o.Status != StatusPaid {
		return ErrStateConflict
	}
	shipped := at.UTC()
	o.Status = StatusShipped
	o.ShippedAt = &shipped
	o.DeliveryInfo = types.NullJSONText{JSONText: append(types.JSONText(nil), delivery...), Valid: true}
	if o.VerificationCode == nil {
		c := code
		o.VerificationCode = &c
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryRepository) CompleteRedemption(_ context.Context, orderSN string, rec *VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderSN]
	if !ok || o.Status != StatusShipped || o.Verified {
		return ErrStateConflict
	}

	at := time.Now().UTC()
	if rec.VerifiedAt != nil {
		at = rec.VerifiedAt.UTC()
	}
	o.Status = StatusFinished
	o.Verified = true
	o.VerifiedAt = &at
	o.FinishedAt = &at
	o.UpdatedAt = time.Now().UTC()

	rec.OrderSN = orderSN
	rec.Success = true
	rec.VerifiedAt = &at
	m.appendLocked(rec)
	return nil
}

func (m *memoryRepository) AppendRecord(_ context.Context, rec *VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(rec)
	return nil
}

func (m *memoryRepository) appendLocked(rec *VerificationRecord) {
	rec.ID = m.id()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records = append(m.records, *rec)
}

func (m *memoryRepository) ListUnverified(_ context.Context, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	out := make([]Order, 0)
	for _, o := range m.orders {
		if o.Status == StatusShipped && !o.Verified {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) List(_ context.Context, filter ListFilter) (Page[Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, size := normalizePage(filter.Page, filter.PageSize)
	var matched []Order
	for _, o := range m.orders {
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		matched = append(matched, copyOrder(o))
	}
	// newest first, like the SQL listing
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	return Page[Order]{Items: window(matched, page, size), Total: len(matched), Page: page, PageSize: size}, nil
}

func (m *memoryRepository) ListRecords(_ context.Context, filter RecordFilter) (Page[VerificationRecord], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, size := normalizePage(filter.Page, filter.PageSize)
	var matched []VerificationRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if filter.OrderSN != "" && r.OrderSN != filter.OrderSN {
			continue
		}
		if filter.From != nil && r.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && r.CreatedAt.After(*filter.To) {
			continue
		}
		matched = append(matched, r)
	}

	return Page[VerificationRecord]{Items: window(matched, page, size), Total: len(matched), Page: page, PageSize: size}, nil
}

func (m *memoryRepository) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, o := range m.orders {
		s.TotalOrders++
		switch o.Status {
		case StatusPaid:
			s.PendingOrders++
		case StatusShipped:
			s.ShippedOrders++
			if !o.Verified {
				s.VerifiableOrders++
			}
		case StatusFinished:
			s.FinishedOrders++
		}
	}
	for _, r := range m.records {
		s.TotalVerifications++
		if r.Success {
			s.SuccessfulVerifications++
		}
	}
	return s, nil
}

func copyOrder(o *Order) Order {
	cp := *o
	cp.GoodsInfo = append(types.JSONText(nil), o.GoodsInfo...)
	if o.VerificationCode != nil {
		c := *o.VerificationCode
		cp.VerificationCode = &c
	}
	return cp
}

func window[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+size, len(items))]
}
