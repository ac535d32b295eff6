package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"credential-broker/models"
)

// MemoryRepository keeps everything in process memory. It is used by the
// "memory" backend and by tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	credentials []models.Credential
	requests    map[string]*models.Request
	order       []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]*models.Request)}
}

func (m *MemoryRepository) FindCredentials(ctx context.Context, q CredentialQuery) ([]models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Credential, 0)
	for _, c := range m.credentials {
		if q.Key != "" && c.Key != q.Key {
			continue
		}
		out = append(out, c)
	}
	if s := sanitizeSort(q.Sort, credentialSortable); len(s) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return lessBy(s, func(f string) (any, any) {
				return credentialField(out[i], f), credentialField(out[j], f)
			})
		})
	}
	return out, nil
}

func (m *MemoryRepository) FindCredential(ctx context.Context, id string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.credentials {
		if c.Id == id {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) InsertCredential(ctx context.Context, c *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Id == "" {
		c.Id = models.NewID()
	}
	for _, existing := range m.credentials {
		if existing.Id == c.Id {
			return fmt.Errorf("credential %s already exists", c.Id)
		}
	}
	m.credentials = append(m.credentials, *c)
	return nil
}

func (m *MemoryRepository) UpdateCredential(ctx context.Context, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.credentials {
		if m.credentials[i].Id != id {
			continue
		}
		return applyCredentialFields(&m.credentials[i], fields)
	}
	return ErrNotFound
}

func (m *MemoryRepository) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.credentials {
		if m.credentials[i].Id == id {
			m.credentials = append(m.credentials[:i], m.credentials[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRepository) FindRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Request, 0)
	for _, id := range m.order {
		r := m.requests[id]
		if matchRequest(r, q) {
			out = append(out, copyRequest(r))
		}
	}
	if s := sanitizeSort(q.Sort, requestSortable); len(s) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return lessBy(s, func(f string) (any, any) {
				return requestField(out[i], f), requestField(out[j], f)
			})
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) CountRequests(ctx context.Context, q RequestQuery) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.requests {
		if matchRequest(r, q) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) FindRequest(ctx context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyRequest(r)
	return &cp, nil
}

func (m *MemoryRepository) InsertRequest(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Id == "" {
		r.Id = models.NewID()
	}
	if _, exists := m.requests[r.Id]; exists {
		return fmt.Errorf("request %s already exists", r.Id)
	}
	cp := copyRequest(r)
	m.requests[r.Id] = &cp
	m.order = append(m.order, r.Id)
	return nil
}

func (m *MemoryRepository) UpdateRequest(ctx context.Context, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	return applyRequestFields(r, fields)
}

func (m *MemoryRepository) UpdateRequestIf(ctx context.Context, id string, expected models.Status, fields Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != expected {
		return false, nil
	}
	updated := copyRequest(r)
	if err := applyRequestFields(&updated, fields); err != nil {
		return false, err
	}
	*r = updated
	return true, nil
}

func (m *MemoryRepository) CredentialStatistics(ctx context.Context, credentialId string) (models.Statistics, error) {
	rows, err := m.FindRequests(ctx, RequestQuery{
		Statuses:     []models.Status{models.StatusCompleted},
		CredentialId: credentialId,
	})
	if err != nil {
		return models.Statistics{}, err
	}
	return Summarize(rows), nil
}

func (m *MemoryRepository) Close(ctx context.Context) error { return nil }

func matchRequest(r *models.Request, q RequestQuery) bool {
	if len(q.Statuses) > 0 && !r.Status.In(q.Statuses) {
		return false
	}
	if q.Key != "" && r.Key != q.Key {
		return false
	}
	if q.CredentialId != "" && (r.CredentialId == nil || *r.CredentialId != q.CredentialId) {
		return false
	}
	if q.HasCheckout && r.CheckoutTimestamp == nil {
		return false
	}
	if q.CheckedOutSince != nil && (r.CheckoutTimestamp == nil || r.CheckoutTimestamp.Before(*q.CheckedOutSince)) {
		return false
	}
	return true
}

func copyRequest(r *models.Request) models.Request {
	cp := *r
	if r.CredentialId != nil {
		v := *r.CredentialId
		cp.CredentialId = &v
	}
	if r.CheckoutTimestamp != nil {
		v := *r.CheckoutTimestamp
		cp.CheckoutTimestamp = &v
	}
	if r.CheckinTimestamp != nil {
		v := *r.CheckinTimestamp
		cp.CheckinTimestamp = &v
	}
	return cp
}

func applyCredentialFields(c *models.Credential, fields Fields) error {
	for k, v := range fields {
		var ok bool
		switch k {
		case ColKey:
			c.Key, ok = v.(string)
		case ColUsername:
			c.Username, ok = v.(string)
		case ColPassword:
			c.Password, ok = v.(string)
		case ColMaxCheckouts:
			c.MaxCheckouts, ok = v.(int)
		case ColThrottleSeconds:
			c.ThrottleSeconds, ok = v.(int)
		default:
			return fmt.Errorf("unknown credential field %q", k)
		}
		if !ok {
			return fmt.Errorf("credential field %q: unexpected type %T", k, v)
		}
	}
	return nil
}

func applyRequestFields(r *models.Request, fields Fields) error {
	for k, v := range fields {
		var ok bool
		switch k {
		case ColStatus:
			r.Status, ok = v.(models.Status)
		case ColPriority:
			r.Priority, ok = v.(int)
		case ColClient:
			r.Client, ok = v.(string)
		case ColCredentialId:
			r.CredentialId, ok = optionalString(v)
		case ColCheckoutTimestamp:
			r.CheckoutTimestamp, ok = optionalTime(v)
		case ColCheckinTimestamp:
			r.CheckinTimestamp, ok = optionalTime(v)
		default:
			return fmt.Errorf("unknown request field %q", k)
		}
		if !ok {
			return fmt.Errorf("request field %q: unexpected type %T", k, v)
		}
	}
	return nil
}

func optionalString(v any) (*string, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case string:
		return &s, true
	case *string:
		if s == nil {
			return nil, true
		}
		c := *s
		return &c, true
	}
	return nil, false
}

func optionalTime(v any) (*time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return &t, true
	case *time.Time:
		if t == nil {
			return nil, true
		}
		c := *t
		return &c, true
	}
	return nil, false
}

func credentialField(c models.Credential, field string) any {
	switch field {
	case ColId:
		return c.Id
	case ColKey:
		return c.Key
	case ColUsername:
		return c.Username
	case ColMaxCheckouts:
		return c.MaxCheckouts
	case ColThrottleSeconds:
		return c.ThrottleSeconds
	}
	return nil
}

func requestField(r models.Request, field string) any {
	switch field {
	case ColId:
		return r.Id
	case ColKey:
		return r.Key
	case ColClient:
		return r.Client
	case ColPriority:
		return r.Priority
	case ColStatus:
		return int(r.Status)
	case ColSubmissionTimestamp:
		return r.SubmissionTimestamp
	case ColCheckoutTimestamp:
		return r.CheckoutTimestamp
	case ColCheckinTimestamp:
		return r.CheckinTimestamp
	}
	return nil
}

// lessBy compares two records column by column. Nil values sort first.
func lessBy(fields []SortField, values func(field string) (any, any)) bool {
	for _, f := range fields {
		a, b := values(f.Field)
		c := compareValues(a, b)
		if c == 0 {
			continue
		}
		if f.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		return strings.Compare(av, b.(string))
	case int:
		bv := b.(int)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		return av.Compare(b.(time.Time))
	case *time.Time:
		bv := b.(*time.Time)
		switch {
		case av == nil && bv == nil:
			return 0
		case av == nil:
			return -1
		case bv == nil:
			return 1
		}
		return av.Compare(*bv)
	}
	return 0
}
