package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPercentOf(t *testing.T) {
	tests := []struct {
		loaded, total int64
		want          int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{10, 10, 100},
		{11, 10, 100},
		{-1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.loaded, tt.total), func(t *testing.T) {
			if got := percentOf(tt.loaded, tt.total); got != tt.want {
				t.Errorf("percentOf(%d, %d) = %d, want %d", tt.loaded, tt.total, got, tt.want)
			}
		})
	}
}

func TestProgressTrackerConcurrent(t *testing.T) {
	var events []ProgressEvent
	tracker := newProgressTracker(context.Background(), 1000, ProgressFunc(func(ev ProgressEvent) {
		events = append(events, ev)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracker.add(fmt.Sprintf("file-%d", i), 10)
		}(i)
	}
	wg.Wait()
	tracker.finish()

	if len(events) != 101 {
		t.Fatalf("got %d events, want 101", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Loaded < events[i-1].Loaded || events[i].Percent < events[i-1].Percent {
			t.Fatalf("event %d went backwards: %+v after %+v", i, events[i], events[i-1])
		}
	}
	last := events[len(events)-1]
	if !last.Done || last.File != "" || last.Percent != 100 || last.Loaded != 1000 {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestProgressChannel(t *testing.T) {
	ch := make(chan ProgressEvent, 4)
	tracker := newProgressTracker(context.Background(), 4, ProgressChannel{C: ch})

	tracker.add("a", 2)
	tracker.add("b", 2)
	tracker.finish()
	close(ch)

	var got []ProgressEvent
	for ev := range ch {
		got = append(got, ev)
	}
	want := []ProgressEvent{
		{Percent: 50, Loaded: 2, Total: 4, File: "a"},
		{Percent: 100, Loaded: 4, Total: 4, File: "b"},
		{Percent: 100, Loaded: 4, Total: 4, Done: true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestProgressTrackerNilObserver(t *testing.T) {
	tracker := newProgressTracker(context.Background(), 10, nil)
	tracker.add("a", 10)
	tracker.finish()
	if tracker.loaded != 10 {
		t.Errorf("loaded = %d, want 10", tracker.loaded)
	}
}

func TestProgressChannelAbandoned(t *testing.T) {
	t.Run("done closed", func(t *testing.T) {
		done := make(chan struct{})
		tracker := newProgressTracker(context.Background(), 4, ProgressChannel{C: make(chan ProgressEvent), Done: done})
		close(done)

		finished := make(chan struct{})
		go func() {
			tracker.add("a", 4)
			tracker.finish()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("tracker blocked on an abandoned channel")
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		tracker := newProgressTracker(ctx, 4, ProgressChannel{C: make(chan ProgressEvent)})
		cancel()

		finished := make(chan struct{})
		go func() {
			tracker.add("a", 4)
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("tracker blocked after cancellation")
		}
		if tracker.loaded != 4 {
			t.Errorf("loaded = %d, want 4", tracker.loaded)
		}
	})
}
