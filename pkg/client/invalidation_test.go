package client

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"downbeat/pkg/event"
)

func mustEvent(t *testing.T, entity event.Entity, action event.Action) *event.Event {
	t.Helper()
	ev, err := event.New(entity, action, struct{}{}, 42)
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	return ev
}

func TestInvalidationKeys_Mapping(t *testing.T) {
	cases := []struct {
		entity event.Entity
		action event.Action
		keys   []string
	}{
		{event.EntityLesson, event.ActionCreate, []string{"lessons", "schedule"}},
		{event.EntitySchedule, event.ActionUpdate, []string{"schedule"}},
		{event.EntityRecurringSchedule, event.ActionCancel, []string{"schedule"}},
		{event.EntityStudent, event.ActionCreate, []string{"students"}},
		{event.EntityAssignment, event.ActionComplete, []string{"assignments"}},
		{event.EntityPractice, event.ActionEnd, []string{"practice"}},
		{event.EntityTeacherStatus, event.ActionUpdate, []string{"teachers"}},
	}

	for _, tc := range cases {
		got := invalidationKeys(mustEvent(t, tc.entity, tc.action))
		if !reflect.DeepEqual(got, tc.keys) {
			t.Errorf("%s.%s: expected %v, got %v", tc.entity, tc.action, tc.keys, got)
		}
	}
}

func TestInvalidationKeys_PresenceAndChatAreExempt(t *testing.T) {
	exempt := []*event.Event{
		mustEvent(t, event.EntityStudent, event.ActionOnline),
		mustEvent(t, event.EntityStudent, event.ActionOffline),
		mustEvent(t, event.EntityUser, event.ActionOnline),
		mustEvent(t, event.EntityChat, event.ActionCreate),
		mustEvent(t, event.EntityMessage, event.ActionSend),
	}
	for _, ev := range exempt {
		if keys := invalidationKeys(ev); keys != nil {
			t.Errorf("%s should not invalidate, got %v", ev.Type, keys)
		}
	}
}

func TestBatcher_CoalescesBurstIntoOneFlush(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]string

	b := newBatcher(50*time.Millisecond, 32, func(keys []string) {
		mu.Lock()
		flushes = append(flushes, keys)
		mu.Unlock()
	})

	// A burst of duplicate triggers inside the quiescence window.
	for i := 0; i < 10; i++ {
		b.add([]string{"lessons", "schedule"})
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("Expected exactly one flush, got %d", len(flushes))
	}
	if !reflect.DeepEqual(flushes[0], []string{"lessons", "schedule"}) {
		t.Errorf("Expected deduplicated sorted keys, got %v", flushes[0])
	}
}

func TestBatcher_TimerReArmsPerTrigger(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]string

	b := newBatcher(60*time.Millisecond, 32, func(keys []string) {
		mu.Lock()
		flushes = append(flushes, keys)
		mu.Unlock()
	})

	// Keep triggering inside the window; no flush may fire mid-burst.
	for i := 0; i < 4; i++ {
		b.add([]string{"students"})
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	early := len(flushes)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("Flush fired before quiescence: %d", early)
	}

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Errorf("Expected one flush after quiescence, got %d", len(flushes))
	}
}

func TestBatcher_HardCapFlushesImmediately(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]string

	b := newBatcher(time.Hour, 3, func(keys []string) {
		mu.Lock()
		flushes = append(flushes, keys)
		mu.Unlock()
	})

	b.add([]string{"a"})
	b.add([]string{"b"})
	b.add([]string{"c"})

	// The hour-long timer cannot have fired; only the cap explains a flush.
	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("Expected an immediate flush at the cap, got %d", len(flushes))
	}
	if !reflect.DeepEqual(flushes[0], []string{"a", "b", "c"}) {
		t.Errorf("Expected all pending keys, got %v", flushes[0])
	}
}

func TestBatcher_StopDiscardsPending(t *testing.T) {
	var mu sync.Mutex
	fired := false

	b := newBatcher(30*time.Millisecond, 32, func([]string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	b.add([]string{"lessons"})
	b.stop()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Error("Stopped batcher should not flush")
	}
}

func TestBatcher_NilFlushIsSafe(t *testing.T) {
	b := newBatcher(10*time.Millisecond, 2, nil)
	b.add([]string{"a", "b"})
	time.Sleep(50 * time.Millisecond)
}
