package dispatch

import (
	"encoding/json"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"downbeat/internal/registry"
	"downbeat/pkg/event"
)

var (
	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downbeat_events_dispatched_total",
		Help: "Events accepted for fan-out, by audience",
	}, []string{"audience"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downbeat_events_dropped_total",
		Help: "Events dropped before or during fan-out, by reason",
	}, []string{"reason"})

	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downbeat_events_delivered_total",
		Help: "Per-recipient enqueue operations that succeeded",
	})
)

// Dispatcher fans a produced event out to every matching connection in the
// event's school. Delivery is fire-and-forget: no acknowledgment, no retry,
// no persistence. A recipient not connected at dispatch time never receives
// the event.
type Dispatcher struct {
	registry *registry.Registry
}

// New creates a dispatcher over the given registry.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Dispatch validates, routes, and enqueues an event. Invalid or unroutable
// events are dropped with a warning and zero deliveries; the routing table
// fails closed so an unrouted type can never over-broadcast.
func (d *Dispatcher) Dispatch(ev *event.Event) {
	if err := ev.Validate(); err != nil {
		log.Printf("Dropping malformed event: %v", err)
		eventsDropped.WithLabelValues("invalid").Inc()
		return
	}

	audience, ok := event.ResolveAudience(ev.Type)
	if !ok {
		log.Printf("Dropping unrouted event type=%s school=%d", ev.Type, ev.Meta.SchoolID)
		eventsDropped.WithLabelValues("unrouted").Inc()
		return
	}

	recipients, ok := d.recipients(ev, audience)
	if !ok {
		return
	}

	eventsDispatched.WithLabelValues(string(audience)).Inc()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Dropping unserializable event type=%s: %v", ev.Type, err)
		eventsDropped.WithLabelValues("serialize").Inc()
		return
	}

	// Enqueue never blocks; a slow consumer sheds its own oldest events and
	// cannot delay delivery to the rest of the school. A connection torn
	// down mid-iteration rejects the enqueue, which is logged and skipped.
	for _, conn := range recipients {
		if err := conn.Enqueue(data); err != nil {
			log.Printf("Skipping delivery type=%s conn=%s user=%d: %v",
				ev.Type, conn.ID(), conn.UserID(), err)
			eventsDropped.WithLabelValues("enqueue").Inc()
			continue
		}
		eventsDelivered.Inc()
	}
}

// recipients resolves the connection set for an audience within the
// event's school. Tenancy isolation holds by construction: every lookup is
// scoped by meta.schoolId. The second return is false when the event must
// be dropped; an empty recipient set with true is a normal dispatch to
// nobody.
func (d *Dispatcher) recipients(ev *event.Event, audience event.Audience) ([]registry.Connection, bool) {
	schoolID := ev.Meta.SchoolID

	switch audience {
	case event.AudienceSchoolWide:
		return d.registry.ForSchool(schoolID), true

	case event.AudienceTeachersOnly:
		return d.registry.ForSchool(schoolID, event.StaffRoles()...), true

	case event.AudienceStudentsOnly:
		return d.registry.ForSchool(schoolID, event.RoleStudent), true

	case event.AudienceSpecificUser:
		targetID, ok := ev.TargetUserID()
		if !ok {
			log.Printf("Dropping specific-user event without targetUserId type=%s school=%d",
				ev.Type, schoolID)
			eventsDropped.WithLabelValues("missing_target").Inc()
			return nil, false
		}
		return d.registry.ForUser(schoolID, targetID), true

	default:
		log.Printf("Dropping event with unknown audience type=%s audience=%s", ev.Type, audience)
		eventsDropped.WithLabelValues("unrouted").Inc()
		return nil, false
	}
}
