package main

import (
	"context"
	"fmt"

	"dtc-service/dtc"

	"github.com/go-redis/redis/v8"
)

const (
	persistHashKey          = "dtc:store"
	faultSetKey             = "dtc:fault"
	faultEventStream        = "events:dtc"
	faultEventStreamMaxLen  = 1000
	faultNotificationChan   = "dtc"
	vehicleStateReadyToRide = "ready-to-drive"
)

// RedisPersistence is the key/value persistence collaborator and the
// confirmed-fault mirror for in-vehicle subscribers. All writes are
// best-effort: the event store's in-memory state is authoritative.
type RedisPersistence struct {
	log   *LeveledLogger
	redis *redis.Client
	ctx   context.Context
}

func NewRedisPersistence(logger *LeveledLogger, redis *redis.Client) *RedisPersistence {
	return &RedisPersistence{
		log:   logger,
		redis: redis,
		ctx:   context.Background(),
	}
}

func (p *RedisPersistence) Destroy() {}

// Persist stores serialized event state; nil state removes the entry.
func (p *RedisPersistence) Persist(id dtc.EventID, state []byte) error {
	field := fmt.Sprintf("%04X", uint32(id))
	if state == nil {
		if err := p.redis.HDel(p.ctx, persistHashKey, field).Err(); err != nil {
			return fmt.Errorf("failed to remove persisted event %s: %w", field, err)
		}
		return nil
	}
	if err := p.redis.HSet(p.ctx, persistHashKey, field, state).Err(); err != nil {
		return fmt.Errorf("failed to persist event %s: %w", field, err)
	}
	return nil
}

// Load returns serialized state for one event, nil if none is stored.
func (p *RedisPersistence) Load(id dtc.EventID) ([]byte, error) {
	field := fmt.Sprintf("%04X", uint32(id))
	state, err := p.redis.HGet(p.ctx, persistHashKey, field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", field, err)
	}
	return []byte(state), nil
}

// FaultPresent mirrors a newly confirmed fault: set membership, bounded
// event stream entry, and a notification publish.
func (p *RedisPersistence) FaultPresent(id dtc.EventID, description string, status dtc.StatusBits) {
	pipe := p.redis.Pipeline()

	pipe.SAdd(p.ctx, faultSetKey, uint32(id))

	pipe.XAdd(p.ctx, &redis.XAddArgs{
		Stream: faultEventStream,
		MaxLen: faultEventStreamMaxLen,
		Values: map[string]interface{}{
			"group":       ProjectName,
			"code":        uint32(id),
			"status":      status.Byte(),
			"description": description,
		},
	})

	pipe.Publish(p.ctx, faultNotificationChan, "fault")

	if _, err := pipe.Exec(p.ctx); err != nil {
		p.log.Warn("Failed to report fault present: %v", err)
	}
}

// FaultAbsent mirrors a healed or cleared fault.
func (p *RedisPersistence) FaultAbsent(id dtc.EventID) {
	pipe := p.redis.Pipeline()

	pipe.SRem(p.ctx, faultSetKey, uint32(id))

	pipe.XAdd(p.ctx, &redis.XAddArgs{
		Stream: faultEventStream,
		MaxLen: faultEventStreamMaxLen,
		Values: map[string]interface{}{
			"group": ProjectName,
			"code":  -int32(id),
		},
	})

	pipe.Publish(p.ctx, faultNotificationChan, "fault")

	if _, err := pipe.Exec(p.ctx); err != nil {
		p.log.Warn("Failed to report fault absent: %v", err)
	}
}

// ClearAllowed is the clear-request gate: clearing stored faults is denied
// while the vehicle is ready to drive.
func (p *RedisPersistence) ClearAllowed() error {
	state, err := p.redis.HGet(p.ctx, "vehicle", "state").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		p.log.Warn("Failed to read vehicle state for clear gate: %v", err)
		return fmt.Errorf("vehicle state unavailable: %w", dtc.ErrPreconditionNotMet)
	}
	if state == vehicleStateReadyToRide {
		return fmt.Errorf("vehicle is %s: %w", state, dtc.ErrPreconditionNotMet)
	}
	return nil
}
