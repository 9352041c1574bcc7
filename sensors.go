package main

import (
	"encoding/binary"

	"dtc-service/dtc"

	"github.com/brutella/can"
)

const (
	// Sensor status frames: one CAN id per monitored channel.
	SensorFrameBaseID = 0x680

	// Flag bits in the status byte.
	SensorFlagValid = 0x01
)

// SensorRx turns raw sensor CAN frames into samples. Its Handle method runs
// on the CAN receive path (the interrupt-context analog) and must return
// quickly: it parses, stamps and pushes, nothing else.
type SensorRx struct {
	log   *LeveledLogger
	rings map[dtc.ChannelID]*dtc.SampleChannel
	tick  func() uint64
}

func NewSensorRx(logger *LeveledLogger, detector *dtc.Detector, tick func() uint64) *SensorRx {
	rx := &SensorRx{
		log:   logger,
		rings: make(map[dtc.ChannelID]*dtc.SampleChannel),
		tick:  tick,
	}
	for _, id := range detector.Channels() {
		if ring, ok := detector.Ring(id); ok {
			rx.rings[id] = ring
		}
	}
	return rx
}

// Handle processes one incoming CAN frame. Frames for unconfigured channels
// and malformed frames are ignored.
func (rx *SensorRx) Handle(frame can.Frame) {
	if frame.ID <= SensorFrameBaseID || frame.ID > SensorFrameBaseID+0xFF {
		return
	}

	channel := dtc.ChannelID(frame.ID - SensorFrameBaseID)
	ring, ok := rx.rings[channel]
	if !ok {
		return
	}

	rx.log.DebugCAN("RX", frame.ID, frame.Data[:], frame.Length)

	if frame.Length < 5 {
		return
	}

	// Raw value at bytes 0-3 (big-endian), status flags at byte 4.
	ring.Push(dtc.Sample{
		Timestamp: rx.tick(),
		Channel:   channel,
		RawValue:  int32(binary.BigEndian.Uint32(frame.Data[0:4])),
		Valid:     frame.Data[4]&SensorFlagValid != 0,
	})
}
