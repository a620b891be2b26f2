package booking

import (
	"sync"
	"time"
)

type Field string

const (
	FieldService    Field = "service"
	FieldDate       Field = "date"
	FieldTime       Field = "time"
	FieldClientName Field = "client_name"
	FieldPhone      Field = "phone"
)

// RequiredFields must all be validated before a booking can be confirmed.
var RequiredFields = []Field{FieldService, FieldDate, FieldTime, FieldClientName, FieldPhone}

// BookingContext is the booking draft collected during one call. Changing any
// field withdraws an earlier confirmation.
type BookingContext struct {
	mu        sync.Mutex
	values    map[Field]string
	validated map[Field]bool
	serviceID string
	duration  time.Duration
	clientID  string
	confirmed bool
	booked    string
}

func NewBookingContext() *BookingContext {
	return &BookingContext{
		values:    make(map[Field]string),
		validated: make(map[Field]bool),
	}
}

func (b *BookingContext) Set(field Field, value string, validated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.values[field] != value {
		b.confirmed = false
	}
	b.values[field] = value
	b.validated[field] = validated
}

// SetService records the resolved service along with its identity.
func (b *BookingContext) SetService(name, id string, duration time.Duration) {
	b.Set(FieldService, name, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serviceID = id
	b.duration = duration
}

func (b *BookingContext) SetClientID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientID = id
}

func (b *BookingContext) Get(field Field) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[field]
	return v, ok && b.validated[field]
}

// Missing lists required fields that are absent or not validated.
func (b *BookingContext) Missing() []Field {
	b.mu.Lock()
	defer b.mu.Unlock()
	var missing []Field
	for _, f := range RequiredFields {
		if b.values[f] == "" || !b.validated[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

// Confirm marks the draft as read back and accepted by the caller. It fails
// while required fields are missing.
func (b *BookingContext) Confirm() bool {
	if len(b.Missing()) > 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = true
	return true
}

func (b *BookingContext) Confirmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmed
}

// MarkBooked records the created appointment and consumes the confirmation,
// so a second create needs a fresh read-back.
func (b *BookingContext) MarkBooked(appointmentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.booked = appointmentID
	b.confirmed = false
}

// Unconfirm withdraws the confirmation, e.g. after a failed write.
func (b *BookingContext) Unconfirm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = false
}

type Snapshot struct {
	Values        map[Field]string `json:"values"`
	Validated     map[Field]bool   `json:"validated"`
	ServiceID     string           `json:"service_id,omitempty"`
	Duration      time.Duration    `json:"-"`
	ClientID      string           `json:"client_id,omitempty"`
	Confirmed     bool             `json:"confirmed"`
	AppointmentID string           `json:"appointment_id,omitempty"`
}

func (b *BookingContext) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Values:        make(map[Field]string, len(b.values)),
		Validated:     make(map[Field]bool, len(b.validated)),
		ServiceID:     b.serviceID,
		Duration:      b.duration,
		ClientID:      b.clientID,
		Confirmed:     b.confirmed,
		AppointmentID: b.booked,
	}
	for k, v := range b.values {
		s.Values[k] = v
	}
	for k, v := range b.validated {
		s.Validated[k] = v
	}
	return s
}
