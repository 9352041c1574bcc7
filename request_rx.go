package main

import (
	"context"
	"encoding/json"
	"errors"

	"dtc-service/dtc"

	"github.com/go-redis/redis/v8"
)

const (
	requestChannel  = "dtc:requests"
	responseChannel = "dtc:responses"
)

// RequestRx receives diagnostic tool requests over redis pub/sub, feeds them
// through the dispatcher and publishes the responses.
type RequestRx struct {
	log        *LeveledLogger
	redis      *redis.Client
	dispatcher *dtc.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc

	subscription *redis.PubSub
}

func NewRequestRx(logger *LeveledLogger, redis *redis.Client, dispatcher *dtc.Dispatcher) *RequestRx {
	ctx, cancel := context.WithCancel(context.Background())

	rx := &RequestRx{
		log:        logger,
		redis:      redis,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
	}

	rx.subscription = rx.redis.Subscribe(rx.ctx, requestChannel)
	go rx.handleRequests()

	return rx
}

func (rx *RequestRx) handleRequests() {
	rx.log.Info("Starting diagnostic request handler")

	for {
		msg, err := rx.subscription.Receive(rx.ctx)
		if err != nil {
			if err == context.Canceled {
				return
			}
			// Check for closed client - panic to trigger systemd restart
			if err.Error() == "redis: client is closed" {
				rx.log.Error("Redis connection lost on request subscription - restarting service")
				panic("Redis disconnected")
			}
			rx.log.Error("Request subscription error: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			rx.log.Debug("Request received: payload=%s", m.Payload)
			rx.handleRequest([]byte(m.Payload))

		case *redis.Subscription:
			rx.log.Debug("Request subscription event: %s %s", m.Channel, m.Kind)
		}
	}
}

func (rx *RequestRx) handleRequest(payload []byte) {
	var req dtc.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		// Malformed traffic is dropped without a response and without
		// resetting the session keep-alive timer.
		rx.log.Warn("Dropping unparseable request: %v", err)
		return
	}

	resp, err := rx.dispatcher.Handle(req)
	if err != nil {
		if errors.Is(err, dtc.ErrMalformedRequest) {
			rx.log.Warn("Dropping malformed request: command=%q", req.Command)
			return
		}
		rx.log.Error("Dispatcher error: %v", err)
		return
	}

	requestsTotal.WithLabelValues(string(resp.Result)).Inc()

	out, err := json.Marshal(resp)
	if err != nil {
		rx.log.Error("Failed to serialize response: %v", err)
		return
	}

	if err := rx.redis.Publish(rx.ctx, responseChannel, out).Err(); err != nil {
		rx.log.Error("Failed to publish response: %v", err)
	}
}

func (rx *RequestRx) Destroy() {
	if rx.cancel != nil {
		rx.cancel()
	}
	if rx.subscription != nil {
		rx.subscription.Close()
	}
}
