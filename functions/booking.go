package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/salon-voice/booking"
	"github.com/bt-bridge/salon-voice/normalize"
	"github.com/bt-bridge/salon-voice/shared"
)

const (
	FnListServices          = "list_services"
	FnCheckAvailability     = "check_availability"
	FnFindClient            = "find_client"
	FnConfirmBookingDetails = "confirm_booking_details"
	FnCreateAppointment     = "create_appointment"
)

type ListServicesArgs struct {
	Query string `json:"query,omitempty" jsonschema_description:"Optional service the caller asked about, exactly as spoken."`
}

type CheckAvailabilityArgs struct {
	Service string `json:"service" jsonschema_description:"Requested service as spoken, e.g. tuns or manichiură."`
	Date    string `json:"date" jsonschema_description:"Requested day as spoken, e.g. mâine or vineri viitoare."`
	Time    string `json:"time" jsonschema_description:"Requested time as spoken, e.g. ora 3 or 14:30."`
}

type FindClientArgs struct {
	Phone string `json:"phone,omitempty" jsonschema_description:"Phone number as spoken. Defaults to the caller's number."`
	Name  string `json:"name,omitempty" jsonschema_description:"Client name as spoken."`
}

type ConfirmBookingDetailsArgs struct {
	Service    string `json:"service" jsonschema_description:"Requested service as spoken."`
	Date       string `json:"date" jsonschema_description:"Requested day as spoken."`
	Time       string `json:"time" jsonschema_description:"Requested time as spoken."`
	ClientName string `json:"client_name" jsonschema_description:"Client full name as spoken."`
	Phone      string `json:"phone,omitempty" jsonschema_description:"Phone number as spoken. Defaults to the caller's number."`
	Confirmed  bool   `json:"confirmed,omitempty" jsonschema_description:"Set only after the caller agreed to the details you read back."`
}

type CreateAppointmentArgs struct {
	Notes string `json:"notes,omitempty" jsonschema_description:"Optional note for the salon."`
}

// BookingTools implements the booking functions over a Collaborator.
type BookingTools struct {
	collab          booking.Collaborator
	norm            *normalize.Normalizer
	logger          shared.LoggerAdapter
	maxAlternatives int
}

func NewBookingTools(collab booking.Collaborator, norm *normalize.Normalizer, logger shared.LoggerAdapter) *BookingTools {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &BookingTools{collab: collab, norm: norm, logger: logger, maxAlternatives: 3}
}

// Register adds every booking function to r.
func (b *BookingTools) Register(r *Registry) error {
	add := func(def Definition, err error) error {
		if err != nil {
			return err
		}
		return r.Register(def)
	}
	return errors.Join(
		add(Define(FnListServices,
			"List the services the salon offers, with duration and price. Use it when the caller asks what is available.",
			PermissionBookingRead, true, b.listServices)),
		add(Define(FnCheckAvailability,
			"Check whether a service can be booked at a given day and time. Suggests nearby times when the slot is taken.",
			PermissionBookingRead, true, b.checkAvailability)),
		add(Define(FnFindClient,
			"Look up an existing client by phone number or name.",
			PermissionBookingRead, true, b.findClient)),
		add(Define(FnConfirmBookingDetails,
			"Record the booking details and get a read-back sentence. Call again with confirmed=true once the caller agrees.",
			PermissionBookingWrite, false, b.confirmBookingDetails)),
		add(Define(FnCreateAppointment,
			"Create the appointment from the confirmed details. Only call after confirm_booking_details succeeded with confirmed=true.",
			PermissionBookingWrite, false, b.createAppointment)),
	)
}

func serviceData(s booking.Service) map[string]any {
	return map[string]any{
		"id":               s.ID,
		"name":             s.Name,
		"duration_minutes": s.DurationMinutes,
		"price":            s.Price,
	}
}

func (b *BookingTools) services(ctx context.Context, sc *SessionContext) ([]booking.Service, error) {
	return b.collab.LookupServices(ctx, booking.ServiceFilter{BusinessID: sc.BusinessID, ActiveOnly: true})
}

func (b *BookingTools) listServices(ctx context.Context, sc *SessionContext, args ListServicesArgs) (Result, error) {
	services, err := b.services(ctx, sc)
	if err != nil {
		return Result{}, err
	}
	if len(services) == 0 {
		return OK("no services", speechNoServices, map[string]any{"services": []any{}}), nil
	}
	if args.Query != "" {
		if svc, ok := b.matchService(args.Query, services); ok {
			return OK("service found",
				fmt.Sprintf("Da, oferim %s. Durează aproximativ %d de minute.", svc.Name, svc.DurationMinutes),
				map[string]any{"services": []any{serviceData(svc)}}), nil
		}
	}
	names := make([]string, 0, len(services))
	list := make([]any, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
		list = append(list, serviceData(s))
	}
	return OK(fmt.Sprintf("%d services", len(services)),
		"Vă putem oferi: "+spokenList(names, "și")+". Ce serviciu doriți?",
		map[string]any{"services": list}), nil
}

func (b *BookingTools) matchService(raw string, services []booking.Service) (booking.Service, bool) {
	e := b.norm.ServiceIn(raw, serviceNames(services))
	if !e.Valid {
		return booking.Service{}, false
	}
	return serviceByName(services, e.Canonical)
}

func serviceNames(services []booking.Service) []string {
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
	}
	return names
}

func serviceByName(services []booking.Service, name string) (booking.Service, bool) {
	for _, s := range services {
		if s.Name == name {
			return s, true
		}
	}
	return booking.Service{}, false
}

// resolveService maps the spoken service onto the business catalog. When
// nothing matches well enough a clarification listing the closest services
// is returned instead.
func (b *BookingTools) resolveService(ctx context.Context, sc *SessionContext, raw string) (booking.Service, *Result, error) {
	services, err := b.services(ctx, sc)
	if err != nil {
		return booking.Service{}, nil, err
	}
	e := b.norm.ServiceIn(raw, serviceNames(services))
	if e.Valid {
		if svc, ok := serviceByName(services, e.Canonical); ok {
			return svc, nil, nil
		}
	}
	if len(e.Suggestions) == 0 {
		return booking.Service{}, nil, &shared.ValidationError{Field: "service", Reason: "unknown service " + e.Reason}
	}
	names := make([]string, 0, len(e.Suggestions))
	for _, s := range e.Suggestions {
		names = append(names, s.Name)
	}
	res := Clarify("service", "Nu sunt sigură că am înțeles serviciul. Ați dorit "+spokenList(names, "sau")+"?",
		map[string]any{"suggestions": names})
	return booking.Service{}, &res, nil
}

// resolveSlot turns spoken day and time into a start instant.
func (b *BookingTools) resolveSlot(rawDate, rawTime string) (time.Time, error) {
	d := b.norm.Date(rawDate)
	if !d.Valid {
		return time.Time{}, &shared.ValidationError{Field: "date", Reason: d.Reason}
	}
	t := b.norm.Time(rawTime)
	if !t.Valid {
		return time.Time{}, &shared.ValidationError{Field: "time", Reason: t.Reason}
	}
	return b.slotFromCanonical(d.Canonical, t.Canonical)
}

func (b *BookingTools) slotFromCanonical(date, clock string) (time.Time, error) {
	day, err := b.norm.ParseDate(date)
	if err != nil {
		return time.Time{}, &shared.ValidationError{Field: "date", Reason: err.Error()}
	}
	hm, err := time.Parse(normalize.TimeLayout, clock)
	if err != nil {
		return time.Time{}, &shared.ValidationError{Field: "time", Reason: err.Error()}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, b.norm.Location()), nil
}

// alternatives tries nearby half-hour slots on the same day, nearest first,
// and returns up to maxAlternatives free ones in chronological order.
func (b *BookingTools) alternatives(ctx context.Context, businessID string, start time.Time, d time.Duration) []time.Time {
	var free []time.Time
	for step := 1; step <= 8 && len(free) < b.maxAlternatives; step++ {
		for _, sign := range []int{1, -1} {
			cand := start.Add(time.Duration(sign*step*30) * time.Minute)
			if cand.YearDay() != start.YearDay() {
				continue
			}
			ok, err := b.collab.CheckAvailability(ctx, businessID, cand, d)
			if err != nil {
				b.logger.Debug("probing alternative slot", zap.Error(err))
				return free
			}
			if ok {
				free = append(free, cand)
				if len(free) == b.maxAlternatives {
					break
				}
			}
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Before(free[j]) })
	return free
}

func (b *BookingTools) unavailable(ctx context.Context, sc *SessionContext, svc booking.Service, start time.Time, lead string) Result {
	alts := b.alternatives(ctx, sc.BusinessID, start, svc.Duration())
	data := map[string]any{
		"available":    false,
		"requested":    start.Format(time.RFC3339),
		"alternatives": spokenClocks(alts),
	}
	voice := lead + fmt.Sprintf(" Intervalul de %s, ora %s, nu este liber.", spokenDate(start), spokenClock(start))
	if len(alts) > 0 {
		voice += " Vă pot propune ora " + spokenList(spokenClocks(alts), "sau") + ". Vă convine?"
	} else {
		voice += " Doriți să încercăm o altă zi?"
	}
	return Clarify("time", voice, data)
}

func (b *BookingTools) checkAvailability(ctx context.Context, sc *SessionContext, args CheckAvailabilityArgs) (Result, error) {
	svc, clarify, err := b.resolveService(ctx, sc, args.Service)
	if err != nil || clarify != nil {
		return deref(clarify), err
	}
	start, err := b.resolveSlot(args.Date, args.Time)
	if err != nil {
		return Result{}, err
	}
	ok, err := b.collab.CheckAvailability(ctx, sc.BusinessID, start, svc.Duration())
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return b.unavailable(ctx, sc, svc, start, "Îmi pare rău."), nil
	}
	return OK("slot available",
		fmt.Sprintf("Da, avem loc pentru %s %s, la ora %s. Doriți să fac programarea?", svc.Name, spokenDate(start), spokenClock(start)),
		map[string]any{
			"available": true,
			"service":   svc.Name,
			"start":     start.Format(time.RFC3339),
			"end":       start.Add(svc.Duration()).Format(time.RFC3339),
		}), nil
}

func (b *BookingTools) findClient(ctx context.Context, sc *SessionContext, args FindClientArgs) (Result, error) {
	rawPhone := args.Phone
	if rawPhone == "" {
		rawPhone = sc.CallerPhone
	}
	var phone string
	if rawPhone != "" {
		p := b.norm.Phone(rawPhone)
		if !p.Valid && args.Phone != "" {
			return Result{}, &shared.ValidationError{Field: "phone", Reason: p.Reason}
		}
		phone = p.Canonical
	}
	var name string
	if args.Name != "" {
		name = b.norm.Name(args.Name).Canonical
	}
	if phone == "" && name == "" {
		return Result{}, &shared.ValidationError{Field: "phone", Reason: "no phone or name to look up"}
	}

	client, err := b.collab.FindClient(ctx, sc.BusinessID, phone, name)
	if err != nil {
		return Result{}, err
	}
	if client == nil {
		return OK("client not found",
			"Nu v-am găsit în evidența noastră, dar nu este nicio problemă. Vă notez la programare.",
			map[string]any{"found": false}), nil
	}
	sc.Booking.SetClientID(client.ID)
	if client.Name != "" {
		sc.Booking.Set(booking.FieldClientName, client.Name, true)
	}
	if client.Phone != "" {
		sc.Booking.Set(booking.FieldPhone, client.Phone, true)
	}
	return OK("client found",
		fmt.Sprintf("Bine ați revenit, %s!", client.Name),
		map[string]any{"found": true, "client_id": client.ID, "name": client.Name, "phone": client.Phone}), nil
}

func (b *BookingTools) confirmBookingDetails(ctx context.Context, sc *SessionContext, args ConfirmBookingDetailsArgs) (Result, error) {
	svc, clarify, err := b.resolveService(ctx, sc, args.Service)
	if err != nil || clarify != nil {
		return deref(clarify), err
	}
	start, err := b.resolveSlot(args.Date, args.Time)
	if err != nil {
		return Result{}, err
	}
	name := b.norm.Name(args.ClientName)
	if !name.Valid {
		return Result{}, &shared.ValidationError{Field: "client_name", Reason: name.Reason}
	}
	rawPhone := args.Phone
	if rawPhone == "" {
		rawPhone = sc.CallerPhone
	}
	phone := b.norm.Phone(rawPhone)
	if !phone.Valid {
		return Result{}, &shared.ValidationError{Field: "phone", Reason: phone.Reason}
	}

	ok, err := b.collab.CheckAvailability(ctx, sc.BusinessID, start, svc.Duration())
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return b.unavailable(ctx, sc, svc, start, "Îmi pare rău."), nil
	}

	before := sc.Booking.Snapshot()
	values := map[booking.Field]string{
		booking.FieldService:    svc.Name,
		booking.FieldDate:       start.Format(normalize.DateLayout),
		booking.FieldTime:       start.Format(normalize.TimeLayout),
		booking.FieldClientName: name.Canonical,
		booking.FieldPhone:      phone.Canonical,
	}
	changed := before.ServiceID != svc.ID
	for field, v := range values {
		if before.Values[field] != v || !before.Validated[field] {
			changed = true
		}
	}
	sc.Booking.SetService(svc.Name, svc.ID, svc.Duration())
	for field, v := range values {
		if field != booking.FieldService {
			sc.Booking.Set(field, v, true)
		}
	}

	data := map[string]any{
		"service":     svc.Name,
		"date":        values[booking.FieldDate],
		"time":        values[booking.FieldTime],
		"client_name": name.Canonical,
		"phone":       phone.Canonical,
	}
	if args.Confirmed && !changed && sc.Booking.Confirm() {
		data["confirmed"] = true
		return OK("details confirmed", speechConfirmed, data), nil
	}
	data["confirmed"] = false
	voice := fmt.Sprintf("Am notat: %s, %s, la ora %s, pe numele %s, telefon %s. Este corect?",
		svc.Name, spokenDate(start), spokenClock(start), name.Canonical, spokenPhone(phone.Canonical))
	return OK("awaiting confirmation", voice, data), nil
}

func (b *BookingTools) createAppointment(ctx context.Context, sc *SessionContext, args CreateAppointmentArgs) (Result, error) {
	if missing := sc.Booking.Missing(); len(missing) > 0 {
		field := string(missing[0])
		return Clarify(field, shared.SpokenFallback(&shared.ValidationError{Field: field}),
			map[string]any{"missing": missing}), nil
	}
	if !sc.Booking.Confirmed() {
		return Clarify("confirmed", speechConfirmFirst, nil), nil
	}
	snap := sc.Booking.Snapshot()
	start, err := b.slotFromCanonical(snap.Values[booking.FieldDate], snap.Values[booking.FieldTime])
	if err != nil {
		return Result{}, err
	}
	svc := booking.Service{ID: snap.ServiceID, Name: snap.Values[booking.FieldService], DurationMinutes: int(snap.Duration / time.Minute)}

	// final re-check right before the write
	ok, err := b.collab.CheckAvailability(ctx, sc.BusinessID, start, snap.Duration)
	if err != nil {
		sc.Booking.Unconfirm()
		return b.notCreated(sc, err), nil
	}
	if !ok {
		sc.Booking.Unconfirm()
		return b.unavailable(ctx, sc, svc, start, "Îmi pare rău, intervalul tocmai s-a ocupat."), nil
	}

	appt, err := b.collab.CreateAppointment(ctx, booking.AppointmentRequest{
		BusinessID:  sc.BusinessID,
		ServiceID:   snap.ServiceID,
		ClientID:    snap.ClientID,
		ClientName:  snap.Values[booking.FieldClientName],
		ClientPhone: snap.Values[booking.FieldPhone],
		Start:       start,
		Duration:    snap.Duration,
		Notes:       args.Notes,
		Source:      booking.SourceVoice,
		SessionID:   sc.SessionID,
	})
	switch {
	case errors.Is(err, booking.ErrSlotTaken):
		sc.Booking.Unconfirm()
		return b.unavailable(ctx, sc, svc, start, "Îmi pare rău, intervalul tocmai s-a ocupat."), nil
	case err != nil:
		sc.Booking.Unconfirm()
		return b.notCreated(sc, err), nil
	}

	sc.Booking.MarkBooked(appt.ID)
	return OK("appointment created",
		fmt.Sprintf(speechBooked, svc.Name, spokenDate(start), spokenClock(start)),
		map[string]any{
			"appointment_id": appt.ID,
			"service":        svc.Name,
			"start":          appt.Start.Format(time.RFC3339),
			"end":            appt.End.Format(time.RFC3339),
		}), nil
}

// notCreated reports a failed write. The caller must confirm again before
// another attempt.
func (b *BookingTools) notCreated(sc *SessionContext, err error) Result {
	b.logger.Error("creating appointment", err, zap.String("session_id", sc.SessionID))
	return Result{
		Message:       "appointment not created",
		VoiceResponse: shared.SpeechBookingNotRetried,
		Error:         &FunctionError{Kind: KindExecution, Err: err},
	}
}

func deref(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}
