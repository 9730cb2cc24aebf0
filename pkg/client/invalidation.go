package client

import (
	"sort"
	"sync"
	"time"

	"downbeat/pkg/event"
)

// invalidationMap ties event entities to the local cache keys whose data
// they stale. Presence and chat traffic update dedicated state instead and
// never trigger a refetch.
var invalidationMap = map[event.Entity][]string{
	event.EntityLesson:            {"lessons", "schedule"},
	event.EntitySchedule:          {"schedule"},
	event.EntityRecurringSchedule: {"schedule"},
	event.EntityStudent:           {"students"},
	event.EntityAssignment:        {"assignments"},
	event.EntitySong:              {"songs"},
	event.EntitySession:           {"practice"},
	event.EntityPractice:          {"practice"},
	event.EntityTeacherStatus:     {"teachers"},
}

// invalidationKeys returns the cache keys an event invalidates, or nil for
// events that only feed presence/activity state.
func invalidationKeys(ev *event.Event) []string {
	if ev.Action == event.ActionOnline || ev.Action == event.ActionOffline {
		return nil
	}
	return invalidationMap[ev.Entity]
}

// batcher coalesces invalidation triggers. Keys accumulate into a pending
// set, a single timer re-arms on every qualifying event, and one
// deduplicated flush fires after the quiescence delay or immediately at
// the hard cap. A CSV import emitting dozens of lesson.create events thus
// costs one refetch, not dozens.
type batcher struct {
	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	delay   time.Duration
	hardCap int
	flush   func([]string)
}

func newBatcher(delay time.Duration, hardCap int, flush func([]string)) *batcher {
	if flush == nil {
		flush = func([]string) {}
	}
	return &batcher{
		pending: make(map[string]struct{}),
		delay:   delay,
		hardCap: hardCap,
		flush:   flush,
	}
}

func (b *batcher) add(keys []string) {
	b.mu.Lock()
	for _, key := range keys {
		b.pending[key] = struct{}{}
	}

	var due []string
	if len(b.pending) >= b.hardCap {
		due = b.drainLocked()
	} else {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(b.delay, b.timerFire)
	}
	b.mu.Unlock()

	if due != nil {
		b.flush(due)
	}
}

func (b *batcher) timerFire() {
	b.mu.Lock()
	due := b.drainLocked()
	b.mu.Unlock()

	if due != nil {
		b.flush(due)
	}
}

// drainLocked collects and clears the pending set. Caller holds mu.
func (b *batcher) drainLocked() []string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	b.pending = make(map[string]struct{})
	return keys
}

// stop cancels any armed timer and discards pending keys.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string]struct{})
}
