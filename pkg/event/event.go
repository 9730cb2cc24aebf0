package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is the domain noun an event concerns.
type Entity string

const (
	EntityStudent           Entity = "student"
	EntityLesson            Entity = "lesson"
	EntityAssignment        Entity = "assignment"
	EntitySong              Entity = "song"
	EntitySession           Entity = "session"
	EntityPractice          Entity = "practice"
	EntitySchedule          Entity = "schedule"
	EntityRecurringSchedule Entity = "recurring_schedule"
	EntityTeacherStatus     Entity = "teacher_status"
	EntityChat              Entity = "chat"
	EntityMessage           Entity = "message"
	EntityUser              Entity = "user"
)

// Action is the verb part of an event type.
type Action string

const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionStart      Action = "start"
	ActionEnd        Action = "end"
	ActionProgress   Action = "progress"
	ActionComplete   Action = "complete"
	ActionOnline     Action = "online"
	ActionOffline    Action = "offline"
	ActionSend       Action = "send"
	ActionReceive    Action = "receive"
	ActionRead       Action = "read"
	ActionReply      Action = "reply"
	ActionAssign     Action = "assign"
	ActionUnassign   Action = "unassign"
	ActionSchedule   Action = "schedule"
	ActionReschedule Action = "reschedule"
	ActionCancel     Action = "cancel"
)

// User roles as recorded on the authenticated session. The three staff
// roles form the TEACHERS_ONLY audience.
const (
	RoleStudent       = "student"
	RoleTeacher       = "teacher"
	RoleSchoolOwner   = "school_owner"
	RolePlatformOwner = "platform_owner"
)

// StaffRoles lists the roles that receive TEACHERS_ONLY events.
func StaffRoles() []string {
	return []string{RoleTeacher, RoleSchoolOwner, RolePlatformOwner}
}

// IsStaffRole reports whether role belongs to the TEACHERS_ONLY audience.
func IsStaffRole(role string) bool {
	return role == RoleTeacher || role == RoleSchoolOwner || role == RolePlatformOwner
}

// IsValidRole reports whether role is one of the four known roles.
func IsValidRole(role string) bool {
	return role == RoleStudent || IsStaffRole(role)
}

// Meta carries the routing metadata of an event. SchoolID is the tenancy
// boundary and is mandatory; an event without it is a protocol violation.
type Meta struct {
	SchoolID  int64       `json:"schoolId"`
	ActorID   int64       `json:"actorId,omitempty"`
	Timestamp string      `json:"timestamp"`
	EntityID  interface{} `json:"entityId,omitempty"`
}

// Event is the unit of communication on the bus.
// Type always equals Entity + "." + Action; constructors derive it and
// Validate rejects an envelope where the two disagree.
type Event struct {
	Type   string          `json:"type"`
	Entity Entity          `json:"entity"`
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Meta   Meta            `json:"meta"`
}

// now is swappable so constructors stay deterministic in tests.
var now = time.Now

// TypeOf returns the wire type string for an entity/action pair.
func TypeOf(entity Entity, action Action) string {
	return string(entity) + "." + string(action)
}

// New builds an event with a derived type and a producer timestamp.
// The payload is marshaled immediately so the producer owns its schema.
func New(entity Entity, action Action, payload interface{}, schoolID int64) (*Event, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return &Event{
		Type:   TypeOf(entity, action),
		Entity: entity,
		Action: action,
		Data:   data,
		Meta: Meta{
			SchoolID:  schoolID,
			Timestamp: now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

// WithActor records the user that caused the event.
func (e *Event) WithActor(userID int64) *Event {
	e.Meta.ActorID = userID
	return e
}

// WithEntityID records the affected row for client-side targeting.
func (e *Event) WithEntityID(id interface{}) *Event {
	e.Meta.EntityID = id
	return e
}

// Validate is the dispatcher's ingress guard. A malformed event is never
// partially processed; the first violated constraint is returned.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}
	if !IsValidEntity(e.Entity) {
		return ErrInvalidEntity
	}
	if !IsValidAction(e.Action) {
		return ErrInvalidAction
	}
	if e.Type != TypeOf(e.Entity, e.Action) {
		return ErrTypeMismatch
	}
	if e.Data == nil {
		return ErrMissingData
	}
	if e.Meta.SchoolID <= 0 {
		return ErrMissingSchoolID
	}
	if e.Meta.Timestamp == "" {
		return ErrMissingTimestamp
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Meta.Timestamp); err != nil {
		if _, err := time.Parse(time.RFC3339, e.Meta.Timestamp); err != nil {
			return ErrInvalidTimestamp
		}
	}
	return nil
}

// IsValidEntity reports whether entity is part of the closed enumeration.
func IsValidEntity(entity Entity) bool {
	switch entity {
	case EntityStudent, EntityLesson, EntityAssignment, EntitySong,
		EntitySession, EntityPractice, EntitySchedule, EntityRecurringSchedule,
		EntityTeacherStatus, EntityChat, EntityMessage, EntityUser:
		return true
	default:
		return false
	}
}

// IsValidAction reports whether action is part of the closed enumeration.
func IsValidAction(action Action) bool {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete, ActionStart, ActionEnd,
		ActionProgress, ActionComplete, ActionOnline, ActionOffline,
		ActionSend, ActionReceive, ActionRead, ActionReply, ActionAssign,
		ActionUnassign, ActionSchedule, ActionReschedule, ActionCancel:
		return true
	default:
		return false
	}
}

// TargetUserID extracts the producer-convention target from the payload of
// a SPECIFIC_USER event. The second return is false when the payload does
// not carry a target.
func (e *Event) TargetUserID() (int64, bool) {
	var target struct {
		TargetUserID int64 `json:"targetUserId"`
	}
	if err := json.Unmarshal(e.Data, &target); err != nil {
		return 0, false
	}
	if target.TargetUserID <= 0 {
		return 0, false
	}
	return target.TargetUserID, true
}
