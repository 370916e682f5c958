package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type chanFlagLogger struct {
	entries chan model.FlagLogEntry
	err     error
	block   chan struct{}
}

func newChanFlagLogger() *chanFlagLogger {
	return &chanFlagLogger{entries: make(chan model.FlagLogEntry, 16)}
}

func (l *chanFlagLogger) LogFlag(ctx context.Context, entry model.FlagLogEntry) error {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.entries <- entry
	return l.err
}

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func flagAt(ms int, typ model.FlagType) model.FlagLogEntry {
	return model.FlagLogEntry{
		SessionID: "s1",
		Flag:      model.ProctoringFlag{Type: typ, Timestamp: epoch.Add(time.Duration(ms) * time.Millisecond)},
	}
}

func TestAggregatorSuppressionWindow(t *testing.T) {
	agg := NewProctoringFlagAggregator(DefaultSuppressionWindow, time.Second, nil, zerolog.Nop())

	var flags []model.ProctoringFlag
	var accepted []bool
	for _, ms := range []int{0, 2000, 6000} {
		var ok bool
		flags, ok = agg.Observe(flagAt(ms, model.FlagTypeNoFace), flags)
		accepted = append(accepted, ok)
	}

	want := []bool{true, false, true}
	for i := range want {
		if accepted[i] != want[i] {
			t.Fatalf("flag %d accepted=%v, want %v", i, accepted[i], want[i])
		}
	}
	if len(flags) != 2 || !flags[1].Timestamp.Equal(epoch.Add(6*time.Second)) {
		t.Fatalf("unexpected flags: %+v", flags)
	}
}

func TestAggregatorWindowIsPerType(t *testing.T) {
	agg := NewProctoringFlagAggregator(DefaultSuppressionWindow, time.Second, nil, zerolog.Nop())

	flags, _ := agg.Observe(flagAt(0, model.FlagTypeNoFace), nil)
	flags, ok := agg.Observe(flagAt(1000, model.FlagTypeTabSwitch), flags)
	if !ok {
		t.Fatal("different flag type must not be suppressed")
	}
	flags, ok = agg.Observe(flagAt(1500, model.FlagTypeMultipleFaces), flags)
	if !ok || len(flags) != 3 {
		t.Fatalf("expected three accepted flags, got %d", len(flags))
	}
	// arrival order is preserved, not re-sorted
	if flags[0].Type != model.FlagTypeNoFace || flags[2].Type != model.FlagTypeMultipleFaces {
		t.Fatalf("flags re-ordered: %+v", flags)
	}
}

func TestAggregatorWindowBoundary(t *testing.T) {
	agg := NewProctoringFlagAggregator(DefaultSuppressionWindow, time.Second, nil, zerolog.Nop())

	flags, _ := agg.Observe(flagAt(0, model.FlagTypeTabSwitch), nil)
	if _, ok := agg.Observe(flagAt(4999, model.FlagTypeTabSwitch), flags); ok {
		t.Fatal("flag 4999ms later must be suppressed")
	}
	if _, ok := agg.Observe(flagAt(5000, model.FlagTypeTabSwitch), flags); !ok {
		t.Fatal("flag exactly 5000ms later must be accepted")
	}
	// late arrival within the window of a newer flag
	flags, _ = agg.Observe(flagAt(10000, model.FlagTypeNoFace), nil)
	if _, ok := agg.Observe(flagAt(8000, model.FlagTypeNoFace), flags); ok {
		t.Fatal("out-of-order flag within the window must be suppressed")
	}
}

func TestAggregatorLogsAcceptedFlagsOnly(t *testing.T) {
	sink := newChanFlagLogger()
	agg := NewProctoringFlagAggregator(DefaultSuppressionWindow, time.Second, sink, zerolog.Nop())

	flags, _ := agg.Observe(flagAt(0, model.FlagTypeNoFace), nil)
	agg.Observe(flagAt(100, model.FlagTypeNoFace), flags)

	select {
	case e := <-sink.entries:
		if e.Flag.Type != model.FlagTypeNoFace || e.SessionID != "s1" {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accepted flag was not logged")
	}

	select {
	case e := <-sink.entries:
		t.Fatalf("suppressed flag was logged: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAggregatorLoggerFailureDoesNotBlock(t *testing.T) {
	sink := newChanFlagLogger()
	sink.err = errors.New("log pipeline down")
	sink.block = make(chan struct{})
	defer close(sink.block)

	agg := NewProctoringFlagAggregator(DefaultSuppressionWindow, 50*time.Millisecond, sink, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		agg.Observe(flagAt(0, model.FlagTypeNoFace), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on the logging collaborator")
	}
}
