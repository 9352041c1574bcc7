package dtc

// ChannelID identifies a monitored sensor input.
type ChannelID uint8

// FaultKind classifies the symptom that raised a diagnostic event.
type FaultKind uint8

const (
	KindNone FaultKind = iota
	KindOutOfRange
	KindSignalInvalid
	KindNoSignal
	KindImplausible
)

// EventID identifies one fault condition: one per channel per fault kind.
type EventID uint32

func NewEventID(ch ChannelID, kind FaultKind) EventID {
	return EventID(uint32(ch)<<8 | uint32(kind))
}

func (id EventID) Channel() ChannelID {
	return ChannelID(id >> 8)
}

func (id EventID) Kind() FaultKind {
	return FaultKind(id & 0xFF)
}

type FaultSeverity int

const (
	SeverityWarning FaultSeverity = iota
	SeverityCritical
)

var kindDescriptions = map[FaultKind]string{
	KindOutOfRange:    "Signal out of range",
	KindSignalInvalid: "Signal invalid",
	KindNoSignal:      "No signal",
	KindImplausible:   "Signal implausible",
}

// GetKindDescription returns a human-readable description of a fault kind.
func GetKindDescription(kind FaultKind) string {
	if desc, ok := kindDescriptions[kind]; ok {
		return desc
	}
	return "Unknown fault"
}

var kindSeverities = map[FaultKind]FaultSeverity{
	KindOutOfRange:    SeverityCritical,
	KindSignalInvalid: SeverityCritical,
	KindNoSignal:      SeverityWarning,
	KindImplausible:   SeverityWarning,
}

// GetKindSeverity returns the default severity for a fault kind.
func GetKindSeverity(kind FaultKind) FaultSeverity {
	if sev, ok := kindSeverities[kind]; ok {
		return sev
	}
	return SeverityWarning
}

// StatusBits is the per-event diagnostic status reported to a tool.
type StatusBits struct {
	TestFailed          bool `json:"test_failed"`
	TestFailedThisCycle bool `json:"test_failed_this_cycle"`
	Pending             bool `json:"pending"`
	Confirmed           bool `json:"confirmed"`
	WarningIndicator    bool `json:"warning_indicator"`
}

// Byte packs the status bits into the wire layout used on the fault mirror.
func (s StatusBits) Byte() byte {
	var b byte
	if s.TestFailed {
		b |= 0x01
	}
	if s.TestFailedThisCycle {
		b |= 0x02
	}
	if s.Pending {
		b |= 0x04
	}
	if s.Confirmed {
		b |= 0x08
	}
	if s.WarningIndicator {
		b |= 0x80
	}
	return b
}

// FreezeFrame field identifiers.
const (
	FieldRawValue    uint16 = 0x0001
	FieldPeriodMean  uint16 = 0x0002
	FieldSampleCount uint16 = 0x0003
	FieldPendingTime uint16 = 0x0004
)

type FreezeFrameField struct {
	ID    uint16 `json:"id"`
	Value int32  `json:"value"`
}

// FreezeFrame is an immutable snapshot captured when a fault is confirmed.
type FreezeFrame struct {
	CapturedAt uint64             `json:"captured_at"`
	Fields     []FreezeFrameField `json:"fields"`
}

// Clone returns an independent copy of the freeze frame.
func (f *FreezeFrame) Clone() *FreezeFrame {
	if f == nil {
		return nil
	}
	out := &FreezeFrame{CapturedAt: f.CapturedAt}
	out.Fields = make([]FreezeFrameField, len(f.Fields))
	copy(out.Fields, f.Fields)
	return out
}
