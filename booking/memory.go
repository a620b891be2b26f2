package booking

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bt-bridge/salon-voice/normalize"
)

const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

type memoryBusiness struct {
	hours        Hours
	services     []Service
	clients      []Client
	appointments []Appointment
}

// MemoryStore is an in-process Collaborator. It backs tests and single-node
// demos; every write re-checks the slot under the same lock.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	businesses map[string]*memoryBusiness
}

var _ Collaborator = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		businesses: make(map[string]*memoryBusiness),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddBusiness registers (or replaces) a business with its catalog.
func (s *MemoryStore) AddBusiness(businessID string, hours Hours, services []Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &memoryBusiness{hours: hours}
	for _, svc := range services {
		svc.BusinessID = businessID
		if svc.ID == "" {
			svc.ID = uuid.NewString()
		}
		b.services = append(b.services, svc)
	}
	s.businesses[businessID] = b
}

// SeedCatalog registers a business offering the full built-in service
// catalog with default opening hours.
func (s *MemoryStore) SeedCatalog(businessID string) {
	s.AddBusiness(businessID, DefaultHours(), CatalogServices(normalize.DefaultTables().Services))
}

// CatalogServices converts normalizer catalog entries into bookable services.
// The catalog key doubles as the service id.
func CatalogServices(entries []normalize.ServiceEntry) []Service {
	services := make([]Service, 0, len(entries))
	for _, e := range entries {
		services = append(services, Service{
			ID:              e.Key,
			Name:            e.Name,
			DurationMinutes: e.DurationMinutes,
			Active:          true,
		})
	}
	return services
}

func (s *MemoryStore) AddClient(businessID string, c Client) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.businesses[businessID]
	if !ok {
		return Client{}, fmt.Errorf("business %q: %w", businessID, ErrNotFound)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.BusinessID = businessID
	b.clients = append(b.clients, c)
	return c, nil
}

func (s *MemoryStore) Appointments(businessID string) []Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.businesses[businessID]
	if !ok {
		return nil
	}
	return slices.Clone(b.appointments)
}

func (s *MemoryStore) business(id string) (*memoryBusiness, error) {
	b, ok := s.businesses[id]
	if !ok {
		return nil, fmt.Errorf("business %q: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) LookupServices(ctx context.Context, filter ServiceFilter) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.business(filter.BusinessID)
	if err != nil {
		return nil, err
	}
	query := normalize.Fold(strings.TrimSpace(filter.Query))
	var out []Service
	for _, svc := range b.services {
		if filter.ActiveOnly && !svc.Active {
			continue
		}
		if query != "" && !strings.Contains(normalize.Fold(svc.Name), query) && svc.ID != query {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

func (s *MemoryStore) CheckAvailability(ctx context.Context, businessID string, start time.Time, duration time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.business(businessID)
	if err != nil {
		return false, err
	}
	return s.free(b, start, duration) == nil, nil
}

// free reports why a slot cannot be booked, or nil. Callers hold s.mu.
func (s *MemoryStore) free(b *memoryBusiness, start time.Time, duration time.Duration) error {
	if !start.After(s.now()) || !b.hours.Contains(start, duration) {
		return ErrClosed
	}
	end := start.Add(duration)
	for _, a := range b.appointments {
		if a.Status == StatusCancelled {
			continue
		}
		if overlaps(start, end, a.Start, a.End) {
			return ErrSlotTaken
		}
	}
	return nil
}

func (s *MemoryStore) FindClient(ctx context.Context, businessID, phone, name string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.business(businessID)
	if err != nil {
		return nil, err
	}
	if phone != "" {
		for _, c := range b.clients {
			if c.Phone == phone {
				found := c
				return &found, nil
			}
		}
	}
	if name = normalize.Fold(strings.TrimSpace(name)); name != "" {
		for _, c := range b.clients {
			if normalize.Fold(c.Name) == name {
				found := c
				return &found, nil
			}
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.business(req.BusinessID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(b.services, func(svc Service) bool { return svc.ID == req.ServiceID })
	if idx < 0 {
		return nil, fmt.Errorf("service %q: %w", req.ServiceID, ErrNotFound)
	}
	svc := b.services[idx]
	duration := req.Duration
	if duration <= 0 {
		duration = svc.Duration()
	}
	if err := s.free(b, req.Start, duration); err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == "" {
		for _, c := range b.clients {
			if c.Phone == req.ClientPhone {
				clientID = c.ID
				break
			}
		}
	}
	if clientID == "" {
		clientID = uuid.NewString()
		b.clients = append(b.clients, Client{
			ID:         clientID,
			BusinessID: req.BusinessID,
			Name:       req.ClientName,
			Phone:      req.ClientPhone,
		})
	}

	source := req.Source
	if source == "" {
		source = SourceVoice
	}
	appt := Appointment{
		ID:          uuid.NewString(),
		BusinessID:  req.BusinessID,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		ClientID:    clientID,
		ClientName:  req.ClientName,
		ClientPhone: req.ClientPhone,
		Start:       req.Start,
		End:         req.Start.Add(duration),
		Status:      StatusConfirmed,
		Source:      source,
		CreatedAt:   s.now(),
	}
	b.appointments = append(b.appointments, appt)
	return &appt, nil
}
