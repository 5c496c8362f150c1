package scheduling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
	"github.com/matokham-ai/hospital-sub013/internal/platform/broadcast"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

// -- Mocks --

type mockRepo struct {
	appts       map[uuid.UUID]*Appointment
	patients    map[uuid.UUID]bool
	departments map[uuid.UUID]bool
	locked      []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		appts:       make(map[uuid.UUID]*Appointment),
		patients:    make(map[uuid.UUID]bool),
		departments: make(map[uuid.UUID]bool),
	}
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment")
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) Update(_ context.Context, a *Appointment) error {
	if _, ok := m.appts[a.ID]; !ok {
		return apperr.NotFound("appointment")
	}
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	var out []*Appointment
	for _, a := range m.appts {
		if d := params["doctor_id"]; d != "" && a.DoctorID != d {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *mockRepo) LockDoctor(_ context.Context, doctorID string) error {
	m.locked = append(m.locked, doctorID)
	return nil
}

func (m *mockRepo) Overlapping(_ context.Context, doctorID string, start, end time.Time, exclude uuid.UUID) (int, error) {
	n := 0
	for _, a := range m.appts {
		if a.DoctorID != doctorID || a.ID == exclude || !a.Holds() {
			continue
		}
		if a.ScheduledAt.Before(end) && a.EndsAt().After(start) {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.patients[id], nil
}

func (m *mockRepo) DepartmentExists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.departments[id], nil
}

type stubStarter struct {
	reqs []encounter.VisitRequest
	err  error
}

func (s *stubStarter) StartVisit(_ context.Context, req encounter.VisitRequest) (*encounter.Encounter, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	return &encounter.Encounter{ID: uuid.New(), PatientID: req.PatientID, EncounterType: req.EncounterType}, nil
}

// -- Helpers --

var fixedNow = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	repo    *mockRepo
	starter *stubStarter
	rec     *events.Recorder
	patient uuid.UUID
	dept    uuid.UUID
}

func newFixture() *fixture {
	repo := newMockRepo()
	starter := &stubStarter{}
	rec := &events.Recorder{}
	svc := NewService(repo, starter, db.NoTx{}, rec)
	svc.now = func() time.Time { return fixedNow }

	f := &fixture{svc: svc, repo: repo, starter: starter, rec: rec, patient: uuid.New(), dept: uuid.New()}
	repo.patients[f.patient] = true
	repo.departments[f.dept] = true
	return f
}

func (f *fixture) request(doctor string, at time.Time, minutes int) BookRequest {
	return BookRequest{
		PatientID: f.patient, DoctorID: doctor, DepartmentID: f.dept,
		ScheduledAt: at, DurationMinutes: minutes, Reason: "follow-up",
	}
}

func (f *fixture) book(t *testing.T, doctor string, at time.Time, minutes int) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), f.request(doctor, at, minutes))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return a
}

func (f *fixture) changes(t *testing.T) []Change {
	t.Helper()
	var out []Change
	for _, evt := range f.rec.Named(events.AppointmentChanged) {
		var c Change
		if err := evt.Decode(&c); err != nil {
			t.Fatal(err)
		}
		out = append(out, c)
	}
	return out
}

var nine = fixedNow.Add(time.Hour)

// -- Booking --

func TestBook(t *testing.T) {
	f := newFixture()
	a := f.book(t, "dr-1", nine, 0)

	if a.Status != StatusBooked || a.DurationMinutes != DefaultDuration {
		t.Errorf("unexpected appointment: %+v", a)
	}
	if len(f.repo.locked) != 1 || f.repo.locked[0] != "dr-1" {
		t.Errorf("expected doctor lock, got %v", f.repo.locked)
	}
	cs := f.changes(t)
	if len(cs) != 1 || cs[0].Event != EventCreated || cs[0].Appointment.ID != a.ID {
		t.Errorf("unexpected changes: %+v", cs)
	}
}

func TestBook_SlotTaken(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.book(t, "dr-1", nine, 30)

	tests := []struct {
		name    string
		doctor  string
		at      time.Time
		minutes int
		taken   bool
	}{
		{"same start", "dr-1", nine, 15, true},
		{"starts inside", "dr-1", nine.Add(20 * time.Minute), 15, true},
		{"ends inside", "dr-1", nine.Add(-10 * time.Minute), 15, true},
		{"back to back after", "dr-1", nine.Add(30 * time.Minute), 15, false},
		{"back to back before", "dr-1", nine.Add(-15 * time.Minute), 15, false},
		{"other doctor", "dr-2", nine, 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := f.svc.Book(ctx, f.request(tt.doctor, tt.at, tt.minutes))
			if tt.taken {
				ae, ok := apperr.As(err)
				if !ok || ae.Code != apperr.CodeSlotTaken || len(ae.Suggestions) == 0 {
					t.Fatalf("expected SLOT_TAKEN, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			// Free the slot again for the next case.
			f.svc.Cancel(ctx, a.ID, "")
		})
	}
}

func TestBook_CancelledSlotIsFree(t *testing.T) {
	f := newFixture()
	a := f.book(t, "dr-1", nine, 15)
	if _, err := f.svc.Cancel(context.Background(), a.ID, "patient called"); err != nil {
		t.Fatal(err)
	}
	f.book(t, "dr-1", nine, 15)
}

func TestBook_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Book(ctx, BookRequest{ScheduledAt: fixedNow.Add(-time.Hour), DurationMinutes: 600})
	ae, ok := apperr.As(err)
	if !ok || ae.Code != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"patient_id", "doctor_id", "department_id", "scheduled_at", "duration_minutes"} {
		if _, ok := ae.Fields[field]; !ok {
			t.Errorf("expected field error for %s", field)
		}
	}

	req := f.request("dr-1", nine, 15)
	req.PatientID = uuid.New()
	if _, err := f.svc.Book(ctx, req); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("expected unknown patient rejected, got %v", err)
	}
	req = f.request("dr-1", nine, 15)
	req.DepartmentID = uuid.New()
	if _, err := f.svc.Book(ctx, req); !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("expected unknown department rejected, got %v", err)
	}
}

// -- Changes --

func TestReschedule(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.book(t, "dr-1", nine, 15)
	b := f.book(t, "dr-1", nine.Add(time.Hour), 15)

	// Lengthening into its own slot is fine.
	if _, err := f.svc.Reschedule(ctx, a.ID, RescheduleRequest{DurationMinutes: 30}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	at := nine.Add(time.Hour)
	if _, err := f.svc.Reschedule(ctx, a.ID, RescheduleRequest{ScheduledAt: &at}); !apperr.Is(err, apperr.CodeSlotTaken) {
		t.Fatalf("expected SLOT_TAKEN moving onto b, got %v", err)
	}

	got, err := f.svc.Reschedule(ctx, b.ID, RescheduleRequest{DoctorID: "dr-2", ScheduledAt: &nine})
	if err != nil {
		t.Fatal(err)
	}
	if got.DoctorID != "dr-2" || !got.ScheduledAt.Equal(nine) {
		t.Errorf("unexpected appointment: %+v", got)
	}
	cs := f.changes(t)
	if last := cs[len(cs)-1]; last.Event != EventUpdated || last.Appointment.DoctorID != "dr-2" {
		t.Errorf("unexpected last change: %+v", last)
	}
}

func TestCheckIn_StartsEncounter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.book(t, "dr-1", nine, 15)

	got, err := f.svc.CheckIn(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCheckedIn || got.EncounterID == nil || got.CheckedInAt == nil {
		t.Errorf("unexpected appointment: %+v", got)
	}
	if len(f.starter.reqs) != 1 {
		t.Fatalf("expected one visit started, got %d", len(f.starter.reqs))
	}
	req := f.starter.reqs[0]
	if req.EncounterType != encounter.TypeOPD || req.DoctorID != "dr-1" || req.ChiefComplaint != "follow-up" {
		t.Errorf("unexpected visit request: %+v", req)
	}
	if cs := f.changes(t); cs[len(cs)-1].Event != EventCheckedIn {
		t.Errorf("expected checked_in change, got %s", cs[len(cs)-1].Event)
	}

	if _, err := f.svc.CheckIn(ctx, a.ID); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected second check-in refused, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, a.ID, ""); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected cancel after check-in refused, got %v", err)
	}
}

func TestCheckIn_EncounterFailureKeepsBooking(t *testing.T) {
	f := newFixture()
	a := f.book(t, "dr-1", nine, 15)
	f.starter.err = apperr.Invalid("department_id", "does not exist or is inactive")

	if _, err := f.svc.CheckIn(context.Background(), a.ID); err == nil {
		t.Fatal("expected error")
	}
	if f.repo.appts[a.ID].Status != StatusBooked {
		t.Error("expected appointment still booked")
	}
	if len(f.changes(t)) != 1 {
		t.Error("expected no change broadcast for the failed check-in")
	}
}

func TestCompleteAndNoShow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.book(t, "dr-1", nine, 15)
	b := f.book(t, "dr-2", nine, 15)

	if _, err := f.svc.Complete(ctx, a.ID); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected complete before check-in refused, got %v", err)
	}
	f.svc.CheckIn(ctx, a.ID)
	if got, err := f.svc.Complete(ctx, a.ID); err != nil || got.Status != StatusCompleted {
		t.Errorf("expected completed, got %v %v", got, err)
	}

	if _, err := f.svc.MarkNoShow(ctx, b.ID); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected no-show before start refused, got %v", err)
	}
	f.svc.now = func() time.Time { return nine.Add(30 * time.Minute) }
	if got, err := f.svc.MarkNoShow(ctx, b.ID); err != nil || got.Status != StatusNoShow {
		t.Errorf("expected no-show, got %v %v", got, err)
	}
}

// -- Broadcast --

type published struct {
	channel string
	payload []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *capturePublisher) Publish(_ context.Context, channel string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{channel: channel, payload: b})
	return nil
}

func TestBroadcaster_PublishesToBothChannels(t *testing.T) {
	f := newFixture()
	pub := &capturePublisher{}
	d := events.NewDispatcher(zerolog.Nop())
	NewBroadcaster(pub).Register(d)
	f.svc.events = d

	a := f.book(t, "dr-9", nine, 15)
	f.svc.Cancel(context.Background(), a.ID, "clash")

	if len(pub.msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(pub.msgs))
	}
	if pub.msgs[0].channel != ChannelAppointments || pub.msgs[1].channel != "doctor.dr-9" {
		t.Errorf("unexpected channels: %s, %s", pub.msgs[0].channel, pub.msgs[1].channel)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(pub.msgs[3].payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["event"] != EventCancelled {
		t.Errorf("expected cancelled event, got %v", body["event"])
	}
	appt, _ := body["appointment"].(map[string]interface{})
	if appt["status"] != StatusCancelled || appt["cancel_reason"] != "clash" {
		t.Errorf("unexpected appointment body: %v", appt)
	}
	if _, ok := body["at"]; !ok {
		t.Error("expected at timestamp")
	}
}

func TestCanSubscribe(t *testing.T) {
	doctor := broadcast.Identity{UserID: "dr-1", Roles: []string{auth.RoleDoctor}}
	desk := broadcast.Identity{UserID: "rec-1", Roles: []string{auth.RoleReceptionist}}
	cashier := broadcast.Identity{UserID: "bill-1", Roles: []string{auth.RoleBilling}}
	admin := broadcast.Identity{UserID: "root", Roles: []string{auth.RoleAdmin}}

	tests := []struct {
		name    string
		id      broadcast.Identity
		channel string
		want    bool
	}{
		{"doctor own channel", doctor, DoctorChannel("dr-1"), true},
		{"doctor other channel", doctor, DoctorChannel("dr-2"), false},
		{"doctor all appointments", doctor, ChannelAppointments, true},
		{"desk any doctor", desk, DoctorChannel("dr-2"), true},
		{"billing denied", cashier, ChannelAppointments, false},
		{"admin anything", admin, "ward.icu", true},
		{"unknown channel", desk, "ward.icu", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanSubscribe(tt.id, tt.channel); got != tt.want {
				t.Errorf("CanSubscribe(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}
