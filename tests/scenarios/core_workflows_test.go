package scenarios

import (
	"sync"
	"testing"
	"time"

	"downbeat/pkg/client"
	"downbeat/pkg/event"
	"downbeat/tests/fixtures"
)

// serverEvent builds a validated event the way an in-process REST
// collaborator would before handing it to the dispatcher.
func serverEvent(t *testing.T, entity event.Entity, action event.Action, payload interface{}, schoolID, actorID int64) *event.Event {
	t.Helper()
	ev, err := event.New(entity, action, payload, schoolID)
	if err != nil {
		t.Fatalf("Failed to build event: %v", err)
	}
	return ev.WithActor(actorID)
}

func TestCore_SchoolWideBroadcast(t *testing.T) {
	bus := fixtures.StartBus(t)
	school := bus.School

	teacher := bus.ConnectAs(t, school.Teacher)
	amy := bus.ConnectAs(t, school.Students[0])
	ben := bus.ConnectAs(t, school.Students[1])

	teacherSeen := fixtures.Collect(teacher, "lesson.create")
	amySeen := fixtures.Collect(amy, "lesson.create")
	benSeen := fixtures.Collect(ben, "lesson.create")

	bus.App.Dispatcher().Dispatch(serverEvent(t, event.EntityLesson, event.ActionCreate,
		event.LessonPayload{LessonID: 7, Title: "Scales"}, school.ID, school.Teacher.UserID))

	teacherSeen.WaitCount(t, "lesson.create", 1, 2*time.Second)
	amySeen.WaitCount(t, "lesson.create", 1, 2*time.Second)
	benSeen.WaitCount(t, "lesson.create", 1, 2*time.Second)

	for _, ev := range teacherSeen.Events() {
		if ev.Meta.SchoolID != school.ID {
			t.Errorf("Delivered event carries wrong school: %d", ev.Meta.SchoolID)
		}
		if ev.Meta.ActorID != school.Teacher.UserID {
			t.Errorf("Delivered event lost its actor: %d", ev.Meta.ActorID)
		}
	}
}

func TestCore_PresenceLifecycle(t *testing.T) {
	bus := fixtures.StartBus(t)
	school := bus.School

	teacher := bus.ConnectAs(t, school.Teacher)
	teacherSeen := fixtures.Collect(teacher, "user.online", "student.online", "user.offline", "student.offline")

	amy := bus.ConnectAs(t, school.Students[0])
	amySeen := fixtures.Collect(amy, "student.online")

	// The whole school learns the student is online; staff additionally get
	// the student.* variant the roster views key on.
	teacherSeen.WaitCount(t, "user.online", 1, 2*time.Second)
	teacherSeen.WaitCount(t, "student.online", 1, 2*time.Second)
	amySeen.AssertNone(t, "student.online", 200*time.Millisecond)

	// The teacher's presence list tracks the student.
	deadline := time.Now().Add(2 * time.Second)
	for {
		users := teacher.OnlineUsers()
		if containsUser(users, school.Students[0].Username) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Presence list never included the student: %+v", users)
		}
		time.Sleep(10 * time.Millisecond)
	}

	amy.Disconnect()

	teacherSeen.WaitCount(t, "user.offline", 1, 2*time.Second)
	teacherSeen.WaitCount(t, "student.offline", 1, 2*time.Second)
}

func containsUser(users []client.PresenceEntry, username string) bool {
	for _, u := range users {
		if u.Username == username {
			return true
		}
	}
	return false
}

func TestCore_StudentTelemetryReachesStaffOnly(t *testing.T) {
	bus := fixtures.StartBus(t)
	school := bus.School

	teacher := bus.ConnectAs(t, school.Teacher)
	owner := bus.ConnectAs(t, school.Owner)
	amy := bus.ConnectAs(t, school.Students[0])
	ben := bus.ConnectAs(t, school.Students[1])

	teacherSeen := fixtures.Collect(teacher, "practice.start")
	ownerSeen := fixtures.Collect(owner, "practice.start")
	benSeen := fixtures.Collect(ben, "practice.start")

	if err := amy.SendEvent(event.EntityPractice, event.ActionStart,
		event.PracticePayload{PracticeID: 3, SongID: 1}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	teacherSeen.WaitCount(t, "practice.start", 1, 2*time.Second)
	ownerSeen.WaitCount(t, "practice.start", 1, 2*time.Second)
	benSeen.AssertNone(t, "practice.start", 200*time.Millisecond)

	// The server stamped the session identity on the event.
	for _, ev := range teacherSeen.Events() {
		if ev.Meta.ActorID != school.Students[0].UserID {
			t.Errorf("Expected actor %d, got %d", school.Students[0].UserID, ev.Meta.ActorID)
		}
		if ev.Meta.SchoolID != school.ID {
			t.Errorf("Expected school %d, got %d", school.ID, ev.Meta.SchoolID)
		}
	}
}

func TestCore_DirectMessageTargetsOneUser(t *testing.T) {
	bus := fixtures.StartBus(t)
	school := bus.School

	teacher := bus.ConnectAs(t, school.Teacher)
	amy := bus.ConnectAs(t, school.Students[0])
	ben := bus.ConnectAs(t, school.Students[1])

	amySeen := fixtures.Collect(amy, "message.send")
	benSeen := fixtures.Collect(ben, "message.send")
	teacherSeen := fixtures.Collect(teacher, "message.send")

	if err := teacher.SendEvent(event.EntityMessage, event.ActionSend, event.MessagePayload{
		MessageID:    1,
		TargetUserID: school.Students[0].UserID,
		Body:         "Nice work on the étude",
	}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	amySeen.WaitCount(t, "message.send", 1, 2*time.Second)
	benSeen.AssertNone(t, "message.send", 200*time.Millisecond)
	teacherSeen.AssertNone(t, "message.send", 0)
}

func TestCore_InvalidationBatchingEndToEnd(t *testing.T) {
	bus := fixtures.StartBus(t)
	school := bus.School

	var mu sync.Mutex
	var flushes [][]string

	ctrl, err := client.New(client.Options{
		ServerURL:              bus.BaseURL,
		Token:                  bus.Login(t, school.Students[0]),
		BatchInvalidationDelay: 100 * time.Millisecond,
		OnInvalidate: func(keys []string) {
			mu.Lock()
			flushes = append(flushes, keys)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Failed to build controller: %v", err)
	}
	t.Cleanup(ctrl.Disconnect)
	if err := ctrl.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fixtures.WaitForStatus(t, ctrl, client.StatusOpen, 5*time.Second)

	// A bulk import burst: many lesson mutations inside one quiescence
	// window must collapse into a single invalidation pass.
	for i := 0; i < 10; i++ {
		bus.App.Dispatcher().Dispatch(serverEvent(t, event.EntityLesson, event.ActionCreate,
			event.LessonPayload{LessonID: int64(i)}, school.ID, school.Teacher.UserID))
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(flushes)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Invalidation flush never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Let any stray timer fire before counting.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("Expected one coalesced flush, got %d: %v", len(flushes), flushes)
	}
	if len(flushes[0]) != 2 || flushes[0][0] != "lessons" || flushes[0][1] != "schedule" {
		t.Errorf("Expected [lessons schedule], got %v", flushes[0])
	}
}
