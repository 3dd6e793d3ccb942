package session

import (
	"sync"
	"testing"
	"time"
)

func newTestStore() *Store {
	return NewStore("en-us", 0, nil)
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	st := newTestStore()

	a := st.GetOrCreate("kitchen")
	b := st.GetOrCreate("kitchen")
	if a != b {
		t.Fatal("same endpoint produced different sessions")
	}
	if a.Lang != "en-us" {
		t.Fatalf("lang = %q, want %q", a.Lang, "en-us")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	st := newTestStore()

	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Berlin", OriginSkill: "weather"})
	st.SetActiveSkill("kitchen", "weather")

	garage := st.GetOrCreate("garage")
	if len(garage.Entries()) != 0 {
		t.Fatal("context leaked across sessions")
	}
	if garage.ActiveSkill() != "" {
		t.Fatal("active skill leaked across sessions")
	}
}

func TestTTLDecayLifecycle(t *testing.T) {
	st := newTestStore()

	// Utterance cycle 1: a handler pushes an entry with one turn remaining.
	// Pruning for cycle 1 already ran before the push, so the entry survives
	// untouched into cycle 2.
	st.PushContext("kitchen", ContextEntry{Keyword: "Confirm", Value: "yes", OriginSkill: "timer", TTL: 1})

	// Cycle 2: matching sees the entry, then the post-match prune spends it.
	sess := st.GetOrCreate("kitchen")
	if _, ok := sess.Lookup("Confirm"); !ok {
		t.Fatal("entry absent during the utterance after its creation")
	}
	st.DecayAndPrune("kitchen")

	// Cycle 3: gone.
	if _, ok := sess.Lookup("Confirm"); ok {
		t.Fatal("entry still present two utterances after creation")
	}
}

func TestZeroTTLNeverDecays(t *testing.T) {
	st := newTestStore()

	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Berlin", OriginSkill: "weather"})
	for i := 0; i < 5; i++ {
		st.DecayAndPrune("kitchen")
	}

	if _, ok := st.GetOrCreate("kitchen").Lookup("Location"); !ok {
		t.Fatal("non-decaying entry was pruned")
	}
}

func TestSameKeywordSameOriginReplaces(t *testing.T) {
	st := newTestStore()

	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Berlin", OriginSkill: "weather", TTL: 1})
	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Paris", OriginSkill: "weather", TTL: 3})

	entries := st.GetOrCreate("kitchen").Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Value != "Paris" || entries[0].TTL != 3 {
		t.Fatalf("entry = %#v, want refreshed Paris/3", entries[0])
	}
}

func TestSameKeywordDifferentOriginCoexist(t *testing.T) {
	st := newTestStore()

	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Berlin", OriginSkill: "weather"})
	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Paris", OriginSkill: "navigation"})

	if got := len(st.GetOrCreate("kitchen").Entries()); got != 2 {
		t.Fatalf("len(entries) = %d, want 2", got)
	}

	// Lookup favors the newest.
	entry, ok := st.GetOrCreate("kitchen").Lookup("Location")
	if !ok || entry.Value != "Paris" {
		t.Fatalf("Lookup = %#v, want newest (Paris)", entry)
	}
}

func TestResetClearsContextAndActiveSkill(t *testing.T) {
	st := newTestStore()

	st.PushContext("kitchen", ContextEntry{Keyword: "Location", Value: "Berlin", OriginSkill: "weather"})
	st.SetActiveSkill("kitchen", "weather")
	st.Reset("kitchen")

	sess := st.GetOrCreate("kitchen")
	if len(sess.Entries()) != 0 || sess.ActiveSkill() != "" {
		t.Fatal("reset did not clear session state")
	}
}

func TestDeactivateSkillAcrossSessions(t *testing.T) {
	st := newTestStore()

	st.SetActiveSkill("kitchen", "timer")
	st.SetActiveSkill("garage", "timer")
	st.SetActiveSkill("office", "weather")

	st.DeactivateSkill("timer")

	if st.GetOrCreate("kitchen").ActiveSkill() != "" {
		t.Fatal("kitchen still has timer active")
	}
	if st.GetOrCreate("garage").ActiveSkill() != "" {
		t.Fatal("garage still has timer active")
	}
	if st.GetOrCreate("office").ActiveSkill() != "weather" {
		t.Fatal("office lost an unrelated active skill")
	}
}

func TestIdleSweepResetsStaleSessions(t *testing.T) {
	st := NewStore("en-us", 10*time.Millisecond, nil)

	st.SetActiveSkill("kitchen", "timer")
	st.PushContext("kitchen", ContextEntry{Keyword: "Confirm", Value: "yes", OriginSkill: "timer"})

	st.sweepIdle(time.Now().UTC().Add(time.Minute))

	sess := st.GetOrCreate("kitchen")
	if sess.ActiveSkill() != "" || len(sess.Entries()) != 0 {
		t.Fatal("idle sweep did not reset stale session")
	}
}

func TestLockSerializesPerSession(t *testing.T) {
	st := newTestStore()

	_, unlock := st.Lock("kitchen")

	acquired := make(chan struct{})
	go func() {
		_, unlock2 := st.Lock("kitchen")
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestDifferentSessionsLockConcurrently(t *testing.T) {
	st := newTestStore()

	_, unlockKitchen := st.Lock("kitchen")
	defer unlockKitchen()

	done := make(chan struct{})
	go func() {
		_, unlockGarage := st.Lock("garage")
		unlockGarage()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("garage lock blocked behind kitchen lock")
	}
}

func TestConcurrentPushContext(t *testing.T) {
	st := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			st.PushContext("kitchen", ContextEntry{
				Keyword:     "K",
				Value:       "v",
				OriginSkill: string(rune('a' + n%5)),
			})
		}(i)
	}
	wg.Wait()

	// Five origins, one entry each after replacement.
	if got := len(st.GetOrCreate("kitchen").Entries()); got != 5 {
		t.Fatalf("len(entries) = %d, want 5", got)
	}
}
