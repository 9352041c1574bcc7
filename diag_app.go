package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"dtc-service/dtc"

	"github.com/brutella/can"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DiagApp wires the diagnostic pipeline: CAN sensor frames in, fault
// detection on a fixed period, the event store as single source of truth,
// and the tool-facing request dispatcher over redis.
type DiagApp struct {
	log         *LeveledLogger
	cfg         *Config
	redis       *redis.Client
	bus         *can.Bus
	persistence *RedisPersistence
	store       *dtc.EventStore
	session     *dtc.SessionManager
	dispatcher  *dtc.Dispatcher
	detector    *dtc.Detector
	sensorRx    *SensorRx
	requestRx   *RequestRx
	metricsSrv  *http.Server
	start       time.Time
	lastDropped uint64
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewDiagApp(opts *Options) (*DiagApp, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &DiagApp{
		log: NewLeveledLogger(
			log.New(log.Writer(), fmt.Sprintf("DTC: %s ", ProjectName), log.LstdFlags),
			opts.LogLevel),
		start:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
	}

	// Load and validate configuration; invalid config is fatal here, before
	// any periodic processing begins.
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	app.cfg = cfg
	app.log.Info("Configuration loaded: %d channels, detection period %v", len(cfg.Channels), cfg.DetectionPeriod)

	// Initialize Redis client with timeouts
	app.redis = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.RedisServerAddr, opts.RedisServerPort),
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()

	app.log.Info("Connecting to Redis at %s:%d...", opts.RedisServerAddr, opts.RedisServerPort)

	if err := app.redis.Ping(connectCtx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	app.log.Info("Successfully connected to Redis")

	app.persistence = NewRedisPersistence(app.log, app.redis)

	app.store = dtc.NewEventStore(app.log, cfg.EventConfigs(), app.persistence, app.persistence, app.persistence.ClearAllowed)
	app.store.Restore()
	app.log.Info("Event store initialized")

	app.session = dtc.NewSessionManager(app.log, cfg.SessionTimeout)
	app.dispatcher = dtc.NewDispatcher(app.log, app.store, app.session)

	app.detector, err = dtc.NewDetector(app.log, app.store, cfg.ChannelConfigs())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize detector: %v", err)
	}
	app.detector.OnConfirmed = func(dtc.EventID) { faultsConfirmedTotal.Inc() }
	app.detector.OnHealed = func(dtc.EventID) { faultsHealedTotal.Inc() }
	app.log.Info("Fault detector initialized")

	// Initialize CAN bus and subscribe the sensor producer
	bus, err := can.NewBusForInterfaceWithName(opts.CANDevice)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize CAN bus: %v", err)
	}
	app.bus = bus

	app.sensorRx = NewSensorRx(app.log, app.detector, app.monotonicTick)
	bus.Subscribe(app.sensorRx)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			app.log.Error("CAN bus publish error: %v", err)
		}
	}()
	app.log.Info("Sensor receiver initialized on %s", opts.CANDevice)

	app.requestRx = NewRequestRx(app.log, app.redis, app.dispatcher)
	app.log.Info("Request receiver initialized")

	if err := RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register metrics: %v", err)
	}
	app.startMetricsServer(cfg.MetricsAddress)

	go app.detectLoop()
	go app.agingLoop()
	go app.sessionSweepLoop()
	go app.redisHealthCheck()

	return app, nil
}

// monotonicTick returns milliseconds since process start.
func (app *DiagApp) monotonicTick() uint64 {
	return uint64(time.Since(app.start) / time.Millisecond)
}

func (app *DiagApp) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	app.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		app.log.Info("Metrics listening on %s", addr)
		if err := app.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Error("Metrics server error: %v", err)
		}
	}()
}

// detectLoop runs the fault detector once per detection period. Cycles
// always run to completion; there is no cancellation mid-cycle.
func (app *DiagApp) detectLoop() {
	ticker := time.NewTicker(app.cfg.DetectionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			begin := time.Now()
			app.detector.Tick(app.monotonicTick())
			detectCycleSeconds.Observe(time.Since(begin).Seconds())

			if dropped := app.detector.DroppedSamples(); dropped > app.lastDropped {
				samplesDroppedTotal.Add(float64(dropped - app.lastDropped))
				app.lastDropped = dropped
			}
		}
	}
}

// agingLoop advances event aging on the slow period.
func (app *DiagApp) agingLoop() {
	ticker := time.NewTicker(app.cfg.AgingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.store.AgeTick()
		}
	}
}

// sessionSweepLoop drops idle elevated sessions even with no inbound traffic.
func (app *DiagApp) sessionSweepLoop() {
	ticker := time.NewTicker(app.cfg.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.session.Sweep()
		}
	}
}

func (app *DiagApp) redisHealthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(app.ctx, 2*time.Second)
			if err := app.redis.Ping(ctx).Err(); err != nil {
				app.log.Error("Redis health check failed: %v", err)
			}
			cancel()
		}
	}
}

func (app *DiagApp) Destroy() {
	app.log.Info("Shutting down diagnostic service...")

	if app.cancel != nil {
		app.cancel()
	}

	if app.requestRx != nil {
		app.requestRx.Destroy()
		app.log.Info("Request receiver shutdown complete")
	}

	if app.bus != nil {
		if err := app.bus.Disconnect(); err != nil {
			app.log.Error("Error disconnecting CAN bus: %v", err)
		} else {
			app.log.Info("CAN bus disconnected")
		}
	}

	if app.metricsSrv != nil {
		if err := app.metricsSrv.Close(); err != nil {
			app.log.Error("Error closing metrics server: %v", err)
		}
	}

	if app.persistence != nil {
		app.persistence.Destroy()
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.log.Error("Error closing Redis connection: %v", err)
		} else {
			app.log.Info("Redis connection closed")
		}
	}

	app.log.Info("Diagnostic service shutdown complete")
}
