package event

import "encoding/json"

// Typed payload shapes, one per entity. Producers and consumers share
// these instead of passing untyped maps; the envelope still carries raw
// JSON so collaborators outside this module can evolve their own fields.

// PresencePayload accompanies user.online / user.offline and the
// staff-facing student.online / student.offline events.
type PresencePayload struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LessonPayload accompanies lesson.* events.
type LessonPayload struct {
	LessonID  int64  `json:"lessonId"`
	StudentID int64  `json:"studentId,omitempty"`
	TeacherID int64  `json:"teacherId,omitempty"`
	Title     string `json:"title,omitempty"`
	StartsAt  string `json:"startsAt,omitempty"`
	EndsAt    string `json:"endsAt,omitempty"`
}

// StudentPayload accompanies student roster events.
type StudentPayload struct {
	StudentID int64  `json:"studentId"`
	Name      string `json:"name,omitempty"`
}

// AssignmentPayload accompanies assignment.* events. TargetUserID is
// required for assignment.assign / assignment.unassign.
type AssignmentPayload struct {
	AssignmentID int64 `json:"assignmentId"`
	SongID       int64 `json:"songId,omitempty"`
	TargetUserID int64 `json:"targetUserId,omitempty"`
	Progress     int   `json:"progress,omitempty"`
}

// SongPayload accompanies song.* events.
type SongPayload struct {
	SongID   int64  `json:"songId"`
	Title    string `json:"title,omitempty"`
	Composer string `json:"composer,omitempty"`
}

// SessionPayload accompanies live session telemetry.
type SessionPayload struct {
	SessionID int64 `json:"sessionId"`
	LessonID  int64 `json:"lessonId,omitempty"`
	Progress  int   `json:"progress,omitempty"`
}

// PracticePayload accompanies practice telemetry.
type PracticePayload struct {
	PracticeID int64 `json:"practiceId"`
	SongID     int64 `json:"songId,omitempty"`
	Minutes    int   `json:"minutes,omitempty"`
	Progress   int   `json:"progress,omitempty"`
}

// SchedulePayload accompanies schedule and recurring_schedule events.
type SchedulePayload struct {
	ScheduleID int64  `json:"scheduleId"`
	LessonID   int64  `json:"lessonId,omitempty"`
	StartsAt   string `json:"startsAt,omitempty"`
	EndsAt     string `json:"endsAt,omitempty"`
}

// TeacherStatusPayload accompanies teacher_status.update.
type TeacherStatusPayload struct {
	TeacherID int64  `json:"teacherId"`
	Status    string `json:"status"`
}

// ChatPayload accompanies chat.create. TargetUserID is required.
type ChatPayload struct {
	ChatID       int64 `json:"chatId"`
	TargetUserID int64 `json:"targetUserId"`
}

// MessagePayload accompanies message.* events. TargetUserID is required.
type MessagePayload struct {
	MessageID    int64  `json:"messageId"`
	ChatID       int64  `json:"chatId,omitempty"`
	TargetUserID int64  `json:"targetUserId"`
	Body         string `json:"body,omitempty"`
}

// DecodePayload unmarshals an event's data into the typed shape for its
// entity. The caller type-switches on the result.
func DecodePayload(e *Event) (interface{}, error) {
	var payload interface{}
	switch e.Entity {
	case EntityUser, EntityStudent:
		payload = &PresencePayload{}
		if e.Entity == EntityStudent && e.Action != ActionOnline && e.Action != ActionOffline {
			payload = &StudentPayload{}
		}
	case EntityLesson:
		payload = &LessonPayload{}
	case EntityAssignment:
		payload = &AssignmentPayload{}
	case EntitySong:
		payload = &SongPayload{}
	case EntitySession:
		payload = &SessionPayload{}
	case EntityPractice:
		payload = &PracticePayload{}
	case EntitySchedule, EntityRecurringSchedule:
		payload = &SchedulePayload{}
	case EntityTeacherStatus:
		payload = &TeacherStatusPayload{}
	case EntityChat:
		payload = &ChatPayload{}
	case EntityMessage:
		payload = &MessagePayload{}
	default:
		return nil, ErrInvalidEntity
	}

	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, ErrInvalidPayload
	}
	return payload, nil
}
