package dtc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ReportStatus is the detector's verdict delivered to the store.
type ReportStatus int

const (
	ReportConfirmed ReportStatus = iota
	ReportConfirmedRepeat
	ReportCleared
)

// StatusFilter selects events in a query.
type StatusFilter int

const (
	FilterAll StatusFilter = iota
	FilterConfirmed
	FilterPending
	FilterStored // any event with history (status bits or occurrence count)
)

// Matches reports whether an event with the given state passes the filter.
func (f StatusFilter) Matches(bits StatusBits, occurrence uint32) bool {
	switch f {
	case FilterConfirmed:
		return bits.Confirmed
	case FilterPending:
		return bits.Pending
	case FilterStored:
		return bits != (StatusBits{}) || occurrence > 0
	default:
		return true
	}
}

// Persistence is the opaque key/value service events marked persistent are
// written through. Best-effort: failures are logged, never block the store.
type Persistence interface {
	// Persist stores serialized event state; nil state removes the entry.
	Persist(id EventID, state []byte) error
	// Load returns serialized state for one event, nil if absent.
	Load(id EventID) ([]byte, error)
}

// Reporter mirrors confirmed-fault presence to in-vehicle subscribers.
// The status carries the packed bits as of the confirmation.
type Reporter interface {
	FaultPresent(id EventID, description string, status StatusBits)
	FaultAbsent(id EventID)
}

// ClearGate is the external precondition consulted before clearing.
// It returns ErrPreconditionNotMet (possibly wrapped) to deny.
type ClearGate func() error

// EventConfig describes one fault condition the store can hold.
type EventConfig struct {
	ID          EventID
	Description string
	Severity    FaultSeverity
	Persist     bool
	AgingStart  int // aging ticks before a healed event is forgotten
}

// Event is the authoritative record for one fault condition.
type Event struct {
	ID                EventID
	Status            StatusBits
	OccurrenceCounter uint32
	AgingCounter      int
	FreezeFrame       *FreezeFrame
}

// persistedEvent is the serialized form handed to the persistence service.
type persistedEvent struct {
	Status            StatusBits   `json:"status"`
	OccurrenceCounter uint32       `json:"occurrence_counter"`
	AgingCounter      int          `json:"aging_counter"`
	FreezeFrame       *FreezeFrame `json:"freeze_frame,omitempty"`
}

// EventStore is the single source of truth for diagnostic event status.
// All access is serialized by a whole-store mutex; queries return copies.
type EventStore struct {
	mu          sync.Mutex
	log         Logger
	configs     map[EventID]EventConfig
	events      map[EventID]*Event
	persistence Persistence
	reporter    Reporter
	clearGate   ClearGate
}

func NewEventStore(logger Logger, configs []EventConfig, persistence Persistence, reporter Reporter, gate ClearGate) *EventStore {
	s := &EventStore{
		log:         logger,
		configs:     make(map[EventID]EventConfig, len(configs)),
		events:      make(map[EventID]*Event),
		persistence: persistence,
		reporter:    reporter,
		clearGate:   gate,
	}
	for _, cfg := range configs {
		s.configs[cfg.ID] = cfg
	}
	return s
}

// Restore loads persisted state for every configured persistent event.
// Called once at startup, before any periodic processing begins.
func (s *EventStore) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persistence == nil {
		return
	}

	for id, cfg := range s.configs {
		if !cfg.Persist {
			continue
		}
		state, err := s.persistence.Load(id)
		if err != nil {
			s.log.Warn("Failed to load persisted event 0x%04X: %v", id, err)
			continue
		}
		if state == nil {
			continue
		}
		var pe persistedEvent
		if err := json.Unmarshal(state, &pe); err != nil {
			s.log.Warn("Corrupt persisted state for event 0x%04X: %v", id, err)
			continue
		}
		// A confirmed bit does not survive a power cycle: the owning
		// channel restarts in OK and must re-confirm. History does.
		pe.Status.Confirmed = false
		pe.Status.Pending = false
		pe.Status.TestFailed = false
		pe.Status.TestFailedThisCycle = false
		s.events[id] = &Event{
			ID:                id,
			Status:            pe.Status,
			OccurrenceCounter: pe.OccurrenceCounter,
			AgingCounter:      pe.AgingCounter,
			FreezeFrame:       pe.FreezeFrame,
		}
		s.log.Info("Restored event 0x%04X: occurrences=%d aging=%d", id, pe.OccurrenceCounter, pe.AgingCounter)
	}
}

// Report is the detector's idempotent upsert of an event's status.
func (s *EventStore) Report(id EventID, status ReportStatus, frame *FreezeFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[id]
	if !ok {
		return fmt.Errorf("report for unconfigured event 0x%04X: %w", id, ErrNotFound)
	}

	ev := s.events[id]
	if ev == nil {
		ev = &Event{ID: id}
		s.events[id] = ev
	}

	switch status {
	case ReportConfirmed:
		firstConfirm := !ev.Status.Confirmed
		ev.Status.TestFailed = true
		ev.Status.TestFailedThisCycle = true
		ev.Status.Pending = true
		ev.Status.Confirmed = true
		ev.Status.WarningIndicator = cfg.Severity == SeverityCritical
		ev.OccurrenceCounter++
		ev.AgingCounter = cfg.AgingStart
		if ev.FreezeFrame == nil && frame != nil {
			// Oldest-capture policy: the first occurrence's context is kept
			// until an explicit clear removes it.
			ev.FreezeFrame = frame.Clone()
		}
		if firstConfirm && s.reporter != nil {
			s.reporter.FaultPresent(id, cfg.Description, ev.Status)
		}

	case ReportConfirmedRepeat:
		ev.OccurrenceCounter++
		ev.AgingCounter = cfg.AgingStart

	case ReportCleared:
		ev.Status.Confirmed = false
		ev.Status.Pending = false
		ev.Status.TestFailed = false
		ev.Status.WarningIndicator = false
		// TestFailedThisCycle, occurrence counter and freeze frame survive
		// a heal cycle: the tool still sees "symptom observed previously".
		ev.AgingCounter = cfg.AgingStart
		if s.reporter != nil {
			s.reporter.FaultAbsent(id)
		}
	}

	s.persistLocked(id, ev)
	return nil
}

// Clear resets one event to defaults. Denied by the clear gate or when the
// event is unknown; the stored record is untouched on any error.
func (s *EventStore) Clear(id EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGateLocked(); err != nil {
		return err
	}

	if _, ok := s.configs[id]; !ok {
		return fmt.Errorf("clear for unknown event 0x%04X: %w", id, ErrNotFound)
	}
	s.clearLocked(id)
	return nil
}

// ClearAll resets every event to defaults, subject to the clear gate.
func (s *EventStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGateLocked(); err != nil {
		return err
	}

	for id := range s.events {
		s.clearLocked(id)
	}
	return nil
}

func (s *EventStore) checkGateLocked() error {
	if s.clearGate == nil {
		return nil
	}
	if err := s.clearGate(); err != nil {
		return err
	}
	return nil
}

func (s *EventStore) clearLocked(id EventID) {
	ev, ok := s.events[id]
	if !ok {
		return
	}
	if ev.Status.Confirmed && s.reporter != nil {
		s.reporter.FaultAbsent(id)
	}
	delete(s.events, id)
	s.persistLocked(id, nil)
	s.log.Info("Event 0x%04X cleared", id)
}

// Query returns an ordered read-only snapshot of events matching the filter.
func (s *EventStore) Query(filter StatusFilter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if !filter.Matches(ev.Status, ev.OccurrenceCounter) {
			continue
		}
		out = append(out, s.snapshotLocked(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of one event, or ErrNotFound.
func (s *EventStore) Get(id EventID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return s.snapshotLocked(ev), nil
}

func (s *EventStore) snapshotLocked(ev *Event) Event {
	out := *ev
	out.FreezeFrame = ev.FreezeFrame.Clone()
	return out
}

// AgeTick advances aging for healed-but-retained events. An event whose
// aging counter reaches zero is fully purged ("fault forgotten").
func (s *EventStore) AgeTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ev := range s.events {
		if ev.Status.Confirmed || ev.Status.Pending {
			continue
		}
		if ev.AgingCounter > 0 {
			ev.AgingCounter--
			s.persistLocked(id, ev)
		}
		if ev.AgingCounter <= 0 {
			delete(s.events, id)
			s.persistLocked(id, nil)
			s.log.Info("Event 0x%04X aged out", id)
		}
	}
}

// persistLocked writes through to the persistence service for events marked
// persistent. Failures are logged and never block the in-memory update.
func (s *EventStore) persistLocked(id EventID, ev *Event) {
	if s.persistence == nil {
		return
	}
	cfg := s.configs[id]
	if !cfg.Persist {
		return
	}

	var state []byte
	if ev != nil {
		var err error
		state, err = json.Marshal(persistedEvent{
			Status:            ev.Status,
			OccurrenceCounter: ev.OccurrenceCounter,
			AgingCounter:      ev.AgingCounter,
			FreezeFrame:       ev.FreezeFrame,
		})
		if err != nil {
			s.log.Warn("Failed to serialize event 0x%04X: %v", id, err)
			return
		}
	}

	if err := s.persistence.Persist(id, state); err != nil {
		s.log.Warn("Failed to persist event 0x%04X: %v", id, err)
	}
}
