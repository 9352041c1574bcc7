package dtc

import "fmt"

// ChannelStatus is the debounced fault state of one monitored channel.
type ChannelStatus int

const (
	StatusOK ChannelStatus = iota
	StatusPending
	StatusConfirmed
	StatusHealing
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusHealing:
		return "healing"
	default:
		return "ok"
	}
}

// ChannelConfig is the per-channel detection calibration.
type ChannelConfig struct {
	ID               ChannelID
	Name             string
	MinRaw           int32
	MaxRaw           int32
	ConfirmThreshold int
	HealThreshold    int
	AgingStart       int
	BufferCapacity   int
	Persist          bool

	// Optional plausibility cross-check: the period mean of this channel
	// divided by the reference channel's period mean must stay inside
	// [RatioMin, RatioMax] while both channels have samples.
	Reference *ChannelID
	RatioMin  float64
	RatioMax  float64
}

// Validate rejects programmer-error configuration. Fatal at initialization.
func (c ChannelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("channel %d: missing name", c.ID)
	}
	if c.MinRaw >= c.MaxRaw {
		return fmt.Errorf("channel %d (%s): min %d not below max %d", c.ID, c.Name, c.MinRaw, c.MaxRaw)
	}
	if c.ConfirmThreshold < 1 {
		return fmt.Errorf("channel %d (%s): confirm threshold must be >= 1", c.ID, c.Name)
	}
	if c.HealThreshold < 1 {
		return fmt.Errorf("channel %d (%s): heal threshold must be >= 1", c.ID, c.Name)
	}
	if c.AgingStart < 1 {
		return fmt.Errorf("channel %d (%s): aging threshold must be >= 1", c.ID, c.Name)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("channel %d (%s): buffer capacity must be >= 1", c.ID, c.Name)
	}
	if c.Reference != nil {
		if *c.Reference == c.ID {
			return fmt.Errorf("channel %d (%s): reference channel is itself", c.ID, c.Name)
		}
		if c.RatioMin <= 0 || c.RatioMax <= c.RatioMin {
			return fmt.Errorf("channel %d (%s): invalid plausibility ratio band [%f, %f]", c.ID, c.Name, c.RatioMin, c.RatioMax)
		}
	}
	return nil
}

// channelState is exclusively owned and mutated by the Detector.
type channelState struct {
	cfg          ChannelConfig
	ring         *SampleChannel
	status       ChannelStatus
	pendingCount int
	healingCount int
	lastSampleTS uint64
	lastKind     FaultKind // most recent symptom kind
	activeKind   FaultKind // kind the confirmed event was raised with
}

// periodStats summarizes one detection period's drained samples.
type periodStats struct {
	count      int
	mean       float64
	lastRaw    int32
	anyInvalid bool
	outOfRange bool
	lastTS     uint64
}

// Detector runs the per-channel debounced fault state machines on a fixed
// detection period. Confirm and heal thresholds come from configuration;
// sub-threshold transients are never reported.
type Detector struct {
	log      Logger
	store    *EventStore
	order    []ChannelID
	channels map[ChannelID]*channelState

	// Optional transition hooks, invoked outside any lock.
	OnConfirmed func(id EventID)
	OnHealed    func(id EventID)
}

// NewDetector builds the detector and its per-channel state. Exactly one
// channelState exists per configured channel for the process lifetime.
// Invalid configuration (including duplicate or dangling channel ids) is an
// initialization error, before any periodic processing begins.
func NewDetector(logger Logger, store *EventStore, configs []ChannelConfig) (*Detector, error) {
	d := &Detector{
		log:      logger,
		store:    store,
		channels: make(map[ChannelID]*channelState, len(configs)),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := d.channels[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate channel id %d", cfg.ID)
		}
		d.channels[cfg.ID] = &channelState{
			cfg:  cfg,
			ring: NewSampleChannel(cfg.BufferCapacity),
		}
		d.order = append(d.order, cfg.ID)
	}

	for _, cfg := range configs {
		if cfg.Reference != nil {
			if _, ok := d.channels[*cfg.Reference]; !ok {
				return nil, fmt.Errorf("channel %d (%s): reference channel %d not configured", cfg.ID, cfg.Name, *cfg.Reference)
			}
		}
	}

	return d, nil
}

// Ring returns the sample channel feeding the given input. The producer
// holds this handle and pushes into it from its own context.
func (d *Detector) Ring(id ChannelID) (*SampleChannel, bool) {
	st, ok := d.channels[id]
	if !ok {
		return nil, false
	}
	return st.ring, true
}

// Channels returns the configured channel ids in configuration order.
func (d *Detector) Channels() []ChannelID {
	out := make([]ChannelID, len(d.order))
	copy(out, d.order)
	return out
}

// Status returns the debounced state of one channel.
func (d *Detector) Status(id ChannelID) (ChannelStatus, bool) {
	st, ok := d.channels[id]
	if !ok {
		return StatusOK, false
	}
	return st.status, true
}

// DroppedSamples sums the overflow counters across all channel rings.
func (d *Detector) DroppedSamples() uint64 {
	var total uint64
	for _, st := range d.channels {
		total += st.ring.OverflowCount()
	}
	return total
}

// Tick runs one detection period at the given monotonic tick. It always
// runs to completion; transitions are never error paths.
func (d *Detector) Tick(now uint64) {
	// Drain every ring first so plausibility cross-checks compare stats
	// from the same period.
	stats := make(map[ChannelID]periodStats, len(d.order))
	for _, id := range d.order {
		stats[id] = summarize(d.channels[id].ring.DrainAll(), d.channels[id].cfg)
	}

	for _, id := range d.order {
		st := d.channels[id]
		ps := stats[id]
		if ps.count > 0 {
			st.lastSampleTS = ps.lastTS
		}
		kind := classify(st.cfg, ps, stats)
		d.step(st, kind, ps, now)
	}
}

// summarize folds one period's samples into the stats the classifier needs.
func summarize(samples []Sample, cfg ChannelConfig) periodStats {
	var ps periodStats
	var sum float64
	for _, s := range samples {
		ps.count++
		sum += float64(s.RawValue)
		ps.lastRaw = s.RawValue
		ps.lastTS = s.Timestamp
		if !s.Valid {
			ps.anyInvalid = true
		}
		if s.RawValue < cfg.MinRaw || s.RawValue > cfg.MaxRaw {
			ps.outOfRange = true
		}
	}
	if ps.count > 0 {
		ps.mean = sum / float64(ps.count)
	}
	return ps
}

// classify turns one period's stats into a fault symptom, or KindNone for a
// good period.
func classify(cfg ChannelConfig, ps periodStats, all map[ChannelID]periodStats) FaultKind {
	if ps.count == 0 {
		return KindNoSignal
	}
	if ps.anyInvalid {
		return KindSignalInvalid
	}
	if ps.outOfRange {
		return KindOutOfRange
	}
	if cfg.Reference != nil {
		ref := all[*cfg.Reference]
		if ref.count > 0 && ref.mean != 0 {
			ratio := ps.mean / ref.mean
			if ratio < cfg.RatioMin || ratio > cfg.RatioMax {
				return KindImplausible
			}
		}
	}
	return KindNone
}

func (d *Detector) step(st *channelState, kind FaultKind, ps periodStats, now uint64) {
	symptom := kind != KindNone
	if symptom {
		st.lastKind = kind
	}

	switch st.status {
	case StatusOK:
		if symptom {
			st.status = StatusPending
			st.pendingCount = 1
			d.log.Debug("Channel %d (%s): OK -> PENDING (%s)", st.cfg.ID, st.cfg.Name, GetKindDescription(kind))
			d.maybeConfirm(st, ps, now)
		}

	case StatusPending:
		if symptom {
			st.pendingCount++
			d.maybeConfirm(st, ps, now)
		} else {
			// Sub-threshold transient: back to OK, nothing reported.
			st.status = StatusOK
			st.pendingCount = 0
			d.log.Debug("Channel %d (%s): PENDING -> OK (transient)", st.cfg.ID, st.cfg.Name)
		}

	case StatusConfirmed:
		if symptom {
			id := NewEventID(st.cfg.ID, st.activeKind)
			if err := d.store.Report(id, ReportConfirmedRepeat, nil); err != nil {
				d.log.Error("Failed to report repeat for event 0x%04X: %v", id, err)
			}
		} else {
			st.status = StatusHealing
			st.healingCount = 1
			d.maybeHeal(st)
		}

	case StatusHealing:
		if symptom {
			// Intermittent fault: back to CONFIRMED, already reported.
			st.status = StatusConfirmed
			st.healingCount = 0
			d.log.Debug("Channel %d (%s): HEALING -> CONFIRMED (relapse)", st.cfg.ID, st.cfg.Name)
		} else {
			st.healingCount++
			d.maybeHeal(st)
		}
	}
}

func (d *Detector) maybeConfirm(st *channelState, ps periodStats, now uint64) {
	if st.pendingCount < st.cfg.ConfirmThreshold {
		return
	}

	st.status = StatusConfirmed
	st.pendingCount = 0
	st.activeKind = st.lastKind

	id := NewEventID(st.cfg.ID, st.activeKind)
	frame := captureFreezeFrame(ps, st, now)
	if err := d.store.Report(id, ReportConfirmed, frame); err != nil {
		d.log.Error("Failed to report confirmation for event 0x%04X: %v", id, err)
	}
	d.log.Info("Channel %d (%s): fault confirmed: %s", st.cfg.ID, st.cfg.Name, GetKindDescription(st.lastKind))

	if d.OnConfirmed != nil {
		d.OnConfirmed(id)
	}
}

func (d *Detector) maybeHeal(st *channelState) {
	if st.healingCount < st.cfg.HealThreshold {
		return
	}

	st.status = StatusOK
	st.healingCount = 0

	id := NewEventID(st.cfg.ID, st.activeKind)
	if err := d.store.Report(id, ReportCleared, nil); err != nil {
		d.log.Error("Failed to report heal for event 0x%04X: %v", id, err)
	}
	d.log.Info("Channel %d (%s): fault healed: %s", st.cfg.ID, st.cfg.Name, GetKindDescription(st.activeKind))

	if d.OnHealed != nil {
		d.OnHealed(id)
	}
}

// captureFreezeFrame snapshots the confirming period's context.
func captureFreezeFrame(ps periodStats, st *channelState, now uint64) *FreezeFrame {
	return &FreezeFrame{
		CapturedAt: now,
		Fields: []FreezeFrameField{
			{ID: FieldRawValue, Value: ps.lastRaw},
			{ID: FieldPeriodMean, Value: int32(ps.mean)},
			{ID: FieldSampleCount, Value: int32(ps.count)},
			{ID: FieldPendingTime, Value: int32(st.cfg.ConfirmThreshold)},
		},
	}
}
