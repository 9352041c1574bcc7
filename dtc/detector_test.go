package dtc

import (
	"errors"
	"testing"
)

func testChannelConfig(id ChannelID) ChannelConfig {
	return ChannelConfig{
		ID:               id,
		Name:             "test-sensor",
		MinRaw:           0,
		MaxRaw:           1000,
		ConfirmThreshold: 3,
		HealThreshold:    5,
		AgingStart:       10,
		BufferCapacity:   16,
	}
}

func eventConfigsFor(channels ...ChannelConfig) []EventConfig {
	kinds := []FaultKind{KindOutOfRange, KindSignalInvalid, KindNoSignal, KindImplausible}
	var out []EventConfig
	for _, ch := range channels {
		for _, kind := range kinds {
			out = append(out, EventConfig{
				ID:          NewEventID(ch.ID, kind),
				Description: GetKindDescription(kind),
				Severity:    GetKindSeverity(kind),
				Persist:     ch.Persist,
				AgingStart:  ch.AgingStart,
			})
		}
	}
	return out
}

func newTestDetector(t *testing.T, channels ...ChannelConfig) (*Detector, *EventStore, *fakeReporter) {
	t.Helper()
	reporter := &fakeReporter{}
	store := NewEventStore(&testLogger{}, eventConfigsFor(channels...), nil, reporter, nil)
	detector, err := NewDetector(&testLogger{}, store, channels)
	if err != nil {
		t.Fatalf("NewDetector error: %v", err)
	}
	return detector, store, reporter
}

// tickGood pushes one in-range sample and runs a detection period.
func tickGood(t *testing.T, d *Detector, ch ChannelID, now uint64) {
	t.Helper()
	tickValue(t, d, ch, 500, true, now)
}

// tickBad pushes one out-of-range sample and runs a detection period.
func tickBad(t *testing.T, d *Detector, ch ChannelID, now uint64) {
	t.Helper()
	tickValue(t, d, ch, 5000, true, now)
}

func tickValue(t *testing.T, d *Detector, ch ChannelID, raw int32, valid bool, now uint64) {
	t.Helper()
	ring, ok := d.Ring(ch)
	if !ok {
		t.Fatalf("no ring for channel %d", ch)
	}
	ring.Push(Sample{Timestamp: now, Channel: ch, RawValue: raw, Valid: valid})
	d.Tick(now)
}

func mustStatus(t *testing.T, d *Detector, ch ChannelID, want ChannelStatus) {
	t.Helper()
	got, ok := d.Status(ch)
	if !ok {
		t.Fatalf("unknown channel %d", ch)
	}
	if got != want {
		t.Fatalf("channel %d: expected status %v, got %v", ch, want, got)
	}
}

func TestDetector_ConfirmAfterThreshold(t *testing.T) {
	cfg := testChannelConfig(1)
	d, store, _ := newTestDetector(t, cfg)

	var now uint64
	for i := 0; i < 10; i++ {
		now++
		tickGood(t, d, 1, now)
		mustStatus(t, d, 1, StatusOK)
	}

	now++
	tickBad(t, d, 1, now)
	mustStatus(t, d, 1, StatusPending)

	now++
	tickBad(t, d, 1, now)
	mustStatus(t, d, 1, StatusPending)
	if events := store.Query(FilterAll); len(events) != 0 {
		t.Fatal("nothing may be reported below the confirm threshold")
	}

	now++
	tickBad(t, d, 1, now)
	mustStatus(t, d, 1, StatusConfirmed)

	ev, err := store.Get(NewEventID(1, KindOutOfRange))
	if err != nil {
		t.Fatalf("expected confirmed event: %v", err)
	}
	if !ev.Status.Confirmed {
		t.Error("confirmed bit must be set when the channel is CONFIRMED")
	}
	if ev.OccurrenceCounter != 1 {
		t.Errorf("occurrence: expected 1, got %d", ev.OccurrenceCounter)
	}
	if ev.FreezeFrame == nil {
		t.Fatal("freeze frame must be captured at confirmation")
	}
	if ev.FreezeFrame.CapturedAt != now {
		t.Errorf("freeze frame captured at %d, expected %d", ev.FreezeFrame.CapturedAt, now)
	}
}

func TestDetector_SubThresholdTransient(t *testing.T) {
	d, store, _ := newTestDetector(t, testChannelConfig(1))

	tickBad(t, d, 1, 1)
	tickBad(t, d, 1, 2)
	mustStatus(t, d, 1, StatusPending)

	tickGood(t, d, 1, 3)
	mustStatus(t, d, 1, StatusOK)

	if events := store.Query(FilterAll); len(events) != 0 {
		t.Error("sub-threshold transients must not be reported")
	}

	// The counter restarts: two more bad periods are still below threshold.
	tickBad(t, d, 1, 4)
	tickBad(t, d, 1, 5)
	mustStatus(t, d, 1, StatusPending)
}

func TestDetector_HealAfterThreshold(t *testing.T) {
	d, store, _ := newTestDetector(t, testChannelConfig(1))

	var now uint64
	for i := 0; i < 3; i++ {
		now++
		tickBad(t, d, 1, now)
	}
	mustStatus(t, d, 1, StatusConfirmed)

	for i := 1; i <= 4; i++ {
		now++
		tickGood(t, d, 1, now)
		mustStatus(t, d, 1, StatusHealing)
	}

	now++
	tickGood(t, d, 1, now)
	mustStatus(t, d, 1, StatusOK)

	ev, err := store.Get(NewEventID(1, KindOutOfRange))
	if err != nil {
		t.Fatalf("healed event should remain stored: %v", err)
	}
	if ev.Status.Confirmed {
		t.Error("store must show CLEARED after heal")
	}
	if ev.OccurrenceCounter != 1 {
		t.Errorf("occurrence should be retained, got %d", ev.OccurrenceCounter)
	}
	if ev.FreezeFrame == nil {
		t.Error("freeze frame should be retained after heal")
	}
}

func TestDetector_ConfirmedNeverHealsDirectly(t *testing.T) {
	d, _, _ := newTestDetector(t, testChannelConfig(1))

	for i := uint64(1); i <= 3; i++ {
		tickBad(t, d, 1, i)
	}
	mustStatus(t, d, 1, StatusConfirmed)

	tickGood(t, d, 1, 4)
	mustStatus(t, d, 1, StatusHealing)
}

func TestDetector_HealingRelapse(t *testing.T) {
	d, store, reporter := newTestDetector(t, testChannelConfig(1))

	var now uint64
	for i := 0; i < 3; i++ {
		now++
		tickBad(t, d, 1, now)
	}
	now++
	tickGood(t, d, 1, now)
	mustStatus(t, d, 1, StatusHealing)

	now++
	tickBad(t, d, 1, now)
	mustStatus(t, d, 1, StatusConfirmed)

	// Relapse does not re-notify: the fault never stopped being confirmed.
	if len(reporter.present) != 1 {
		t.Errorf("expected one FaultPresent, got %d", len(reporter.present))
	}
	ev, _ := store.Get(NewEventID(1, KindOutOfRange))
	if !ev.Status.Confirmed {
		t.Error("event must remain confirmed through a relapse")
	}
}

func TestDetector_RepeatIncrementsOccurrence(t *testing.T) {
	d, store, _ := newTestDetector(t, testChannelConfig(1))

	var now uint64
	for i := 0; i < 3; i++ {
		now++
		tickBad(t, d, 1, now)
	}
	now++
	tickBad(t, d, 1, now)
	now++
	tickBad(t, d, 1, now)

	ev, _ := store.Get(NewEventID(1, KindOutOfRange))
	if ev.OccurrenceCounter != 3 {
		t.Errorf("occurrence: expected 3, got %d", ev.OccurrenceCounter)
	}
	if ev.FreezeFrame.CapturedAt != 3 {
		t.Errorf("freeze frame must keep the first capture, got %d", ev.FreezeFrame.CapturedAt)
	}
}

func TestDetector_NoSignalSymptom(t *testing.T) {
	cfg := testChannelConfig(1)
	cfg.ConfirmThreshold = 2
	d, store, _ := newTestDetector(t, cfg)

	tickGood(t, d, 1, 1)

	// Two silent periods confirm a no-signal fault.
	d.Tick(2)
	d.Tick(3)
	mustStatus(t, d, 1, StatusConfirmed)

	if _, err := store.Get(NewEventID(1, KindNoSignal)); err != nil {
		t.Errorf("expected no-signal event: %v", err)
	}
}

func TestDetector_InvalidFlagSymptom(t *testing.T) {
	cfg := testChannelConfig(1)
	cfg.ConfirmThreshold = 1
	d, store, _ := newTestDetector(t, cfg)

	tickValue(t, d, 1, 500, false, 1)
	mustStatus(t, d, 1, StatusConfirmed)

	if _, err := store.Get(NewEventID(1, KindSignalInvalid)); err != nil {
		t.Errorf("expected signal-invalid event: %v", err)
	}
}

func TestDetector_PlausibilityCrossCheck(t *testing.T) {
	ref := testChannelConfig(1)
	monitored := testChannelConfig(2)
	refID := ChannelID(1)
	monitored.Reference = &refID
	monitored.RatioMin = 0.8
	monitored.RatioMax = 1.2
	monitored.ConfirmThreshold = 2

	d, store, _ := newTestDetector(t, ref, monitored)

	ringRef, _ := d.Ring(1)
	ringMon, _ := d.Ring(2)

	// Both channels in range, but the monitored channel reads half the
	// reference: implausible.
	for now := uint64(1); now <= 2; now++ {
		ringRef.Push(Sample{Timestamp: now, Channel: 1, RawValue: 800, Valid: true})
		ringMon.Push(Sample{Timestamp: now, Channel: 2, RawValue: 400, Valid: true})
		d.Tick(now)
	}

	mustStatus(t, d, 1, StatusOK)
	mustStatus(t, d, 2, StatusConfirmed)

	if _, err := store.Get(NewEventID(2, KindImplausible)); err != nil {
		t.Errorf("expected implausibility event: %v", err)
	}
}

func TestDetector_PlausibilityWithinBand(t *testing.T) {
	ref := testChannelConfig(1)
	monitored := testChannelConfig(2)
	refID := ChannelID(1)
	monitored.Reference = &refID
	monitored.RatioMin = 0.8
	monitored.RatioMax = 1.2

	d, _, _ := newTestDetector(t, ref, monitored)

	ringRef, _ := d.Ring(1)
	ringMon, _ := d.Ring(2)
	ringRef.Push(Sample{Timestamp: 1, Channel: 1, RawValue: 800, Valid: true})
	ringMon.Push(Sample{Timestamp: 1, Channel: 2, RawValue: 790, Valid: true})
	d.Tick(1)

	mustStatus(t, d, 2, StatusOK)
}

func TestDetector_FreezeFrameContents(t *testing.T) {
	cfg := testChannelConfig(1)
	cfg.ConfirmThreshold = 1
	d, store, _ := newTestDetector(t, cfg)

	ring, _ := d.Ring(1)
	ring.Push(Sample{Timestamp: 7, Channel: 1, RawValue: 4000, Valid: true})
	ring.Push(Sample{Timestamp: 8, Channel: 1, RawValue: 6000, Valid: true})
	d.Tick(9)

	ev, err := store.Get(NewEventID(1, KindOutOfRange))
	if err != nil {
		t.Fatalf("expected event: %v", err)
	}

	frame := ev.FreezeFrame
	if frame.CapturedAt != 9 {
		t.Errorf("captured at: expected 9, got %d", frame.CapturedAt)
	}
	fields := map[uint16]int32{}
	for _, f := range frame.Fields {
		fields[f.ID] = f.Value
	}
	if fields[FieldRawValue] != 6000 {
		t.Errorf("raw value field: expected 6000, got %d", fields[FieldRawValue])
	}
	if fields[FieldPeriodMean] != 5000 {
		t.Errorf("period mean field: expected 5000, got %d", fields[FieldPeriodMean])
	}
	if fields[FieldSampleCount] != 2 {
		t.Errorf("sample count field: expected 2, got %d", fields[FieldSampleCount])
	}
}

func TestDetector_TransitionHooks(t *testing.T) {
	cfg := testChannelConfig(1)
	cfg.ConfirmThreshold = 1
	cfg.HealThreshold = 1
	d, _, _ := newTestDetector(t, cfg)

	var confirmed, healed []EventID
	d.OnConfirmed = func(id EventID) { confirmed = append(confirmed, id) }
	d.OnHealed = func(id EventID) { healed = append(healed, id) }

	tickBad(t, d, 1, 1)
	tickGood(t, d, 1, 2)

	if len(confirmed) != 1 || confirmed[0] != NewEventID(1, KindOutOfRange) {
		t.Errorf("confirm hook: got %v", confirmed)
	}
	if len(healed) != 1 || healed[0] != NewEventID(1, KindOutOfRange) {
		t.Errorf("heal hook: got %v", healed)
	}
}

func TestDetector_ConfigValidation(t *testing.T) {
	store := NewEventStore(&testLogger{}, nil, nil, nil, nil)

	bad := testChannelConfig(1)
	bad.ConfirmThreshold = 0
	if _, err := NewDetector(&testLogger{}, store, []ChannelConfig{bad}); err == nil {
		t.Error("zero confirm threshold must be rejected")
	}

	a := testChannelConfig(1)
	b := testChannelConfig(1)
	if _, err := NewDetector(&testLogger{}, store, []ChannelConfig{a, b}); err == nil {
		t.Error("duplicate channel ids must be rejected")
	}

	dangling := testChannelConfig(1)
	ref := ChannelID(9)
	dangling.Reference = &ref
	dangling.RatioMin = 0.5
	dangling.RatioMax = 1.5
	if _, err := NewDetector(&testLogger{}, store, []ChannelConfig{dangling}); err == nil {
		t.Error("dangling reference channel must be rejected")
	}

	selfRef := testChannelConfig(1)
	self := ChannelID(1)
	selfRef.Reference = &self
	selfRef.RatioMin = 0.5
	selfRef.RatioMax = 1.5
	if _, err := NewDetector(&testLogger{}, store, []ChannelConfig{selfRef}); err == nil {
		t.Error("self-referencing plausibility check must be rejected")
	}
}

func TestDetector_DroppedSamples(t *testing.T) {
	cfg := testChannelConfig(1)
	cfg.BufferCapacity = 2
	d, _, _ := newTestDetector(t, cfg)

	ring, _ := d.Ring(1)
	for i := 0; i < 5; i++ {
		ring.Push(Sample{Timestamp: uint64(i), Channel: 1, RawValue: 500, Valid: true})
	}
	if d.DroppedSamples() != 3 {
		t.Errorf("expected 3 dropped samples, got %d", d.DroppedSamples())
	}
}

func TestDetector_UnknownChannelLookups(t *testing.T) {
	d, _, _ := newTestDetector(t, testChannelConfig(1))

	if _, ok := d.Ring(42); ok {
		t.Error("expected no ring for unknown channel")
	}
	if _, ok := d.Status(42); ok {
		t.Error("expected no status for unknown channel")
	}
}

func TestDetector_ReportErrorsAreNotFatal(t *testing.T) {
	// Store configured without the detector's events: reports fail, the
	// state machine still advances.
	store := NewEventStore(&testLogger{}, nil, nil, nil, nil)
	cfg := testChannelConfig(1)
	cfg.ConfirmThreshold = 1
	d, err := NewDetector(&testLogger{}, store, []ChannelConfig{cfg})
	if err != nil {
		t.Fatalf("NewDetector error: %v", err)
	}

	tickBad(t, d, 1, 1)
	mustStatus(t, d, 1, StatusConfirmed)

	if _, err := store.Get(NewEventID(1, KindOutOfRange)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
