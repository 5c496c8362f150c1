package scheduling

import (
	"context"
	"errors"
	"strings"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
	"github.com/matokham-ai/hospital-sub013/internal/platform/broadcast"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

// Broadcaster forwards appointment changes to the WebSocket channels that
// front desks and doctors watch.
type Broadcaster struct {
	pub broadcast.Publisher
}

func NewBroadcaster(pub broadcast.Publisher) *Broadcaster {
	return &Broadcaster{pub: pub}
}

func (b *Broadcaster) Register(d *events.Dispatcher) {
	d.Listen(events.AppointmentChanged, "broadcast.appointment", b.forward, events.Sync)
}

func (b *Broadcaster) forward(ctx context.Context, evt events.Event) error {
	var c Change
	if err := evt.Decode(&c); err != nil {
		return err
	}
	if c.Appointment == nil {
		return errors.New("appointment change without appointment")
	}
	return errors.Join(
		b.pub.Publish(ctx, ChannelAppointments, c),
		b.pub.Publish(ctx, DoctorChannel(c.Appointment.DoctorID), c),
	)
}

// CanSubscribe lets front desk and nursing staff watch every appointment
// while a doctor only joins their own channel.
func CanSubscribe(id broadcast.Identity, channel string) bool {
	has := func(roles ...string) bool {
		for _, r := range id.Roles {
			for _, want := range roles {
				if r == want {
					return true
				}
			}
		}
		return false
	}
	if has(auth.RoleAdmin) {
		return true
	}
	switch {
	case channel == ChannelAppointments:
		return has(auth.RoleReceptionist, auth.RoleNurse, auth.RoleDoctor)
	case strings.HasPrefix(channel, "doctor."):
		if has(auth.RoleReceptionist, auth.RoleNurse) {
			return true
		}
		return has(auth.RoleDoctor) && channel == DoctorChannel(id.UserID)
	}
	return false
}
