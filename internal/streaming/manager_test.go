package streaming

import (
	"testing"
	"time"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// Expect ring holds seq 2,3,4
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	// Replay since 2 -> expect 3,4
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestManagerPublishAssignsSequence(t *testing.T) {
	m := NewManager(5, 10)
	for i := 0; i < 7; i++ {
		m.Publish("req-1", Event{Type: EventStageStarted})
	}
	m.Publish("req-2", Event{Type: EventAnalysisStarted})

	evs := m.ReplaySince("req-1", 0)
	if len(evs) != 5 || evs[0].Seq != 3 || evs[4].Seq != 7 {
		t.Fatalf("unexpected replay: %+v", evs)
	}
	for _, e := range m.ReplaySince("req-1", 5) {
		if e.Seq <= 5 {
			t.Fatalf("replay returned stale seq: %d", e.Seq)
		}
		if e.RequestID != "req-1" || e.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", e)
		}
	}
	if evs := m.ReplaySince("req-2", 0); len(evs) != 1 || evs[0].Seq != 1 {
		t.Fatalf("streams must be sequenced independently: %+v", evs)
	}
}

func TestManagerSubscribe(t *testing.T) {
	m := NewManager(16, 10)
	ch := m.Subscribe("req-1", 4)
	other := m.Subscribe("req-2", 4)

	m.Publish("req-1", Event{Type: EventStageCompleted, Stage: "discovery"})

	select {
	case evt := <-ch:
		if evt.Stage != "discovery" || evt.Seq != 1 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case evt := <-other:
		t.Fatalf("event leaked across requests: %+v", evt)
	default:
	}

	m.Unsubscribe("req-1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Double unsubscribe must not panic
	m.Unsubscribe("req-1", ch)
	m.Unsubscribe("req-2", other)
}

func TestManagerEvictsOldestUnwatchedStream(t *testing.T) {
	m := NewManager(4, 2)
	watched := m.Subscribe("a", 8)
	defer m.Unsubscribe("a", watched)

	m.Publish("a", Event{Type: EventAnalysisStarted})
	m.Publish("b", Event{Type: EventAnalysisStarted})
	m.Publish("c", Event{Type: EventAnalysisStarted})

	if len(m.ReplaySince("a", 0)) != 1 {
		t.Fatal("watched stream must be kept")
	}
	if m.ReplaySince("b", 0) != nil {
		t.Fatal("oldest unwatched stream should be evicted")
	}
	if len(m.ReplaySince("c", 0)) != 1 {
		t.Fatal("newest stream must be kept")
	}
}

func TestEventIsTerminal(t *testing.T) {
	if !(Event{Type: EventAnalysisFailed}).IsTerminal() || (Event{Type: EventStageRetry}).IsTerminal() {
		t.Fatal("terminal classification is wrong")
	}
}
