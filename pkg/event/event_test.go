package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_DerivesTypeFromEntityAndAction(t *testing.T) {
	ev, err := New(EntityLesson, ActionCreate, LessonPayload{LessonID: 7}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if ev.Type != "lesson.create" {
		t.Errorf("Expected type lesson.create, got %s", ev.Type)
	}
	if ev.Meta.SchoolID != 42 {
		t.Errorf("Expected schoolId 42, got %d", ev.Meta.SchoolID)
	}
	if ev.Meta.Timestamp == "" {
		t.Error("Expected producer timestamp to be set")
	}
	if _, err := time.Parse(time.RFC3339Nano, ev.Meta.Timestamp); err != nil {
		t.Errorf("Timestamp is not RFC3339: %v", err)
	}
}

func TestNew_TypeInvariantHoldsForAllRoutedTypes(t *testing.T) {
	for _, eventType := range RoutedTypes() {
		parts := strings.SplitN(eventType, ".", 2)
		if len(parts) != 2 {
			t.Fatalf("Malformed routed type %q", eventType)
		}

		ev, err := New(Entity(parts[0]), Action(parts[1]), struct{}{}, 1)
		if err != nil {
			t.Fatalf("New failed for %s: %v", eventType, err)
		}
		if ev.Type != eventType {
			t.Errorf("Expected type %s, got %s", eventType, ev.Type)
		}
		if err := ev.Validate(); err != nil {
			t.Errorf("Routed type %s should validate, got %v", eventType, err)
		}
	}
}

func TestNew_RejectsUnmarshalablePayload(t *testing.T) {
	_, err := New(EntityLesson, ActionCreate, map[string]interface{}{"ch": make(chan int)}, 42)
	if err == nil {
		t.Fatal("Expected an error for a payload json cannot marshal")
	}
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload in the chain, got %v", err)
	}
	if err.Error() == ErrInvalidPayload.Error() {
		t.Error("Expected the marshal cause to be preserved in the message")
	}
}

func TestNew_WithActorAndEntityID(t *testing.T) {
	ev, err := New(EntitySong, ActionUpdate, SongPayload{SongID: 3}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ev.WithActor(9).WithEntityID(3)

	if ev.Meta.ActorID != 9 {
		t.Errorf("Expected actorId 9, got %d", ev.Meta.ActorID)
	}
	if ev.Meta.EntityID != 3 {
		t.Errorf("Expected entityId 3, got %v", ev.Meta.EntityID)
	}
}

func TestValidate_RejectsMissingSchoolID(t *testing.T) {
	ev, err := New(EntityLesson, ActionCreate, LessonPayload{}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ev.Meta.SchoolID = 0
	if err := ev.Validate(); err != ErrMissingSchoolID {
		t.Errorf("Expected ErrMissingSchoolID, got %v", err)
	}

	ev.Meta.SchoolID = -5
	if err := ev.Validate(); err != ErrMissingSchoolID {
		t.Errorf("Expected ErrMissingSchoolID for negative school, got %v", err)
	}
}

func TestValidate_RejectsTypeMismatch(t *testing.T) {
	ev, err := New(EntityLesson, ActionCreate, LessonPayload{}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ev.Type = "lesson.delete"
	if err := ev.Validate(); err != ErrTypeMismatch {
		t.Errorf("Expected ErrTypeMismatch, got %v", err)
	}
}

func TestValidate_RejectsUnknownEntityAndAction(t *testing.T) {
	ev := &Event{
		Type:   "invoice.create",
		Entity: "invoice",
		Action: ActionCreate,
		Data:   json.RawMessage(`{}`),
		Meta:   Meta{SchoolID: 1, Timestamp: time.Now().Format(time.RFC3339)},
	}
	if err := ev.Validate(); err != ErrInvalidEntity {
		t.Errorf("Expected ErrInvalidEntity, got %v", err)
	}

	ev = &Event{
		Type:   "lesson.explode",
		Entity: EntityLesson,
		Action: "explode",
		Data:   json.RawMessage(`{}`),
		Meta:   Meta{SchoolID: 1, Timestamp: time.Now().Format(time.RFC3339)},
	}
	if err := ev.Validate(); err != ErrInvalidAction {
		t.Errorf("Expected ErrInvalidAction, got %v", err)
	}
}

func TestValidate_RejectsMissingDataAndTimestamp(t *testing.T) {
	ev := &Event{
		Type:   "lesson.create",
		Entity: EntityLesson,
		Action: ActionCreate,
		Meta:   Meta{SchoolID: 1, Timestamp: time.Now().Format(time.RFC3339)},
	}
	if err := ev.Validate(); err != ErrMissingData {
		t.Errorf("Expected ErrMissingData, got %v", err)
	}

	ev.Data = json.RawMessage(`{}`)
	ev.Meta.Timestamp = ""
	if err := ev.Validate(); err != ErrMissingTimestamp {
		t.Errorf("Expected ErrMissingTimestamp, got %v", err)
	}

	ev.Meta.Timestamp = "yesterday"
	if err := ev.Validate(); err != ErrInvalidTimestamp {
		t.Errorf("Expected ErrInvalidTimestamp, got %v", err)
	}
}

func TestValidate_NilEvent(t *testing.T) {
	var ev *Event
	if err := ev.Validate(); err != ErrNilEvent {
		t.Errorf("Expected ErrNilEvent, got %v", err)
	}
}

func TestTargetUserID_ExtractsProducerConvention(t *testing.T) {
	ev, err := New(EntityMessage, ActionSend, MessagePayload{MessageID: 1, TargetUserID: 77}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	target, ok := ev.TargetUserID()
	if !ok || target != 77 {
		t.Errorf("Expected target 77, got %d (ok=%v)", target, ok)
	}
}

func TestTargetUserID_MissingTarget(t *testing.T) {
	ev, err := New(EntityMessage, ActionSend, MessagePayload{MessageID: 1}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := ev.TargetUserID(); ok {
		t.Error("Expected no target for payload without targetUserId")
	}
}

func TestNew_DeterministicWithFixedClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orig := now
	now = func() time.Time { return fixed }
	defer func() { now = orig }()

	ev1, _ := New(EntityLesson, ActionCreate, LessonPayload{LessonID: 1}, 42)
	ev2, _ := New(EntityLesson, ActionCreate, LessonPayload{LessonID: 1}, 42)

	if ev1.Meta.Timestamp != ev2.Meta.Timestamp {
		t.Error("Expected identical timestamps from a fixed clock")
	}
	if ev1.Meta.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Errorf("Expected timestamp %s, got %s", fixed.Format(time.RFC3339Nano), ev1.Meta.Timestamp)
	}
}

func TestDecodePayload_RoundTripsTypedShapes(t *testing.T) {
	ev, err := New(EntityPractice, ActionComplete, PracticePayload{PracticeID: 5, Minutes: 30}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	decoded, err := DecodePayload(ev)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}

	practice, ok := decoded.(*PracticePayload)
	if !ok {
		t.Fatalf("Expected *PracticePayload, got %T", decoded)
	}
	if practice.PracticeID != 5 || practice.Minutes != 30 {
		t.Errorf("Payload fields lost in decode: %+v", practice)
	}
}

func TestDecodePayload_PresenceVersusRoster(t *testing.T) {
	online, _ := New(EntityStudent, ActionOnline, PresencePayload{Username: "amy", Role: RoleStudent}, 42)
	decoded, err := DecodePayload(online)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if _, ok := decoded.(*PresencePayload); !ok {
		t.Errorf("Expected *PresencePayload for student.online, got %T", decoded)
	}

	roster, _ := New(EntityStudent, ActionCreate, StudentPayload{StudentID: 4, Name: "Amy"}, 42)
	decoded, err = DecodePayload(roster)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if _, ok := decoded.(*StudentPayload); !ok {
		t.Errorf("Expected *StudentPayload for student.create, got %T", decoded)
	}
}
