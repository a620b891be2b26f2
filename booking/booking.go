// Package booking defines the narrow interface through which the voice engine
// reaches appointment storage, and the per-call booking draft.
package booking

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSlotTaken is returned by CreateAppointment when the final atomic
	// re-check finds the slot occupied.
	ErrSlotTaken = errors.New("slot already taken")
	ErrNotFound  = errors.New("not found")
	ErrClosed    = errors.New("outside business hours")
)

const SourceVoice = "voice"

type Service struct {
	ID              string  `json:"id"`
	BusinessID      string  `json:"business_id"`
	Name            string  `json:"name"`
	DurationMinutes int     `json:"duration_minutes"`
	Price           float64 `json:"price"`
	Active          bool    `json:"active"`
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

type ServiceFilter struct {
	BusinessID string
	// Query narrows by name; empty returns everything.
	Query      string
	ActiveOnly bool
}

type Client struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}

type AppointmentRequest struct {
	BusinessID  string        `json:"business_id"`
	ServiceID   string        `json:"service_id"`
	ClientID    string        `json:"client_id,omitempty"`
	ClientName  string        `json:"client_name"`
	ClientPhone string        `json:"client_phone"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"-"`
	Notes       string        `json:"notes,omitempty"`
	Source      string        `json:"source"`
	SessionID   string        `json:"session_id,omitempty"`
}

type Appointment struct {
	ID          string    `json:"id"`
	BusinessID  string    `json:"business_id"`
	ServiceID   string    `json:"service_id"`
	ServiceName string    `json:"service_name"`
	ClientID    string    `json:"client_id"`
	ClientName  string    `json:"client_name"`
	ClientPhone string    `json:"client_phone"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// Collaborator is the external booking system. Lookups are read-only and safe
// to retry. CreateAppointment must re-check the slot atomically with the
// write and return ErrSlotTaken when it lost the race.
type Collaborator interface {
	LookupServices(ctx context.Context, filter ServiceFilter) ([]Service, error)
	CheckAvailability(ctx context.Context, businessID string, start time.Time, duration time.Duration) (bool, error)
	// FindClient returns nil, nil when nobody matches.
	FindClient(ctx context.Context, businessID, phone, name string) (*Client, error)
	CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error)
}

// Hours are a business's opening hours in its local time zone.
type Hours struct {
	Open       int            `yaml:"open"`
	Close      int            `yaml:"close"`
	ClosedDays []time.Weekday `yaml:"closed_days"`
}

func DefaultHours() Hours {
	return Hours{Open: 9, Close: 19, ClosedDays: []time.Weekday{time.Sunday}}
}

// Contains reports whether [start, start+d) lies within opening hours.
func (h Hours) Contains(start time.Time, d time.Duration) bool {
	for _, wd := range h.ClosedDays {
		if start.Weekday() == wd {
			return false
		}
	}
	open := time.Date(start.Year(), start.Month(), start.Day(), h.Open, 0, 0, 0, start.Location())
	closing := time.Date(start.Year(), start.Month(), start.Day(), h.Close, 0, 0, 0, start.Location())
	return !start.Before(open) && !start.Add(d).After(closing)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
