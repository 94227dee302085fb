package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	acquisition "scada-monitor/internal/acquisition/domain"
	"scada-monitor/internal/acquisition/application/events"
	"scada-monitor/internal/eventbus"
	"scada-monitor/internal/observability/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultReadTimeout  = 10 * time.Second
	resultStopped       = "stopped"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Sleeper waits between read attempts. It returns early with the context
// error when the poll loop is stopped.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Engine owns one poll loop per device.
type Engine struct {
	drivers         acquisition.DriverProvider
	registry        acquisition.DeviceRegistry
	sink            acquisition.PointSink
	publisher       eventbus.Publisher
	clock           Clock
	sleeper         Sleeper
	logger          *log.Logger
	readTimeout     time.Duration
	defaultInterval time.Duration
	bufferCapacity  int
	maxAttempts     int
	retryDelay      time.Duration

	mu      sync.Mutex
	devices map[string]*deviceLoop
	// cycles outlive loops so a restarted device waits for the read
	// still in flight from its previous loop.
	cycles map[string]*sync.Mutex
}

type deviceLoop struct {
	id       string
	tags     []string
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	state  acquisition.PollState
	buffer *acquisition.SampleBuffer
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleeper assigns the retry sleeper.
func WithSleeper(sleeper Sleeper) EngineOption {
	return func(e *Engine) {
		if sleeper != nil {
			e.sleeper = sleeper
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegistry assigns the device registry used by StartAll.
func WithRegistry(registry acquisition.DeviceRegistry) EngineOption {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithSink assigns the time-series sink.
func WithSink(sink acquisition.PointSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithPublisher assigns the event publisher.
func WithPublisher(publisher eventbus.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithReadTimeout bounds a single driver read.
func WithReadTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.readTimeout = timeout
		}
	}
}

// WithDefaultInterval is used when a device has no poll interval.
func WithDefaultInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.defaultInterval = interval
		}
	}
}

// WithRetryDelay overrides the wait between attempts.
func WithRetryDelay(delay time.Duration) EngineOption {
	return func(e *Engine) {
		if delay >= 0 {
			e.retryDelay = delay
		}
	}
}

// NewEngine constructs a polling engine.
func NewEngine(drivers acquisition.DriverProvider, opts ...EngineOption) (*Engine, error) {
	if drivers == nil {
		return nil, errors.New("acquisition: nil driver provider")
	}
	engine := &Engine{
		drivers:         drivers,
		clock:           systemClock{},
		sleeper:         timerSleeper{},
		readTimeout:     defaultReadTimeout,
		defaultInterval: defaultPollInterval,
		bufferCapacity:  acquisition.BufferCapacity,
		maxAttempts:     acquisition.MaxReadAttempts,
		retryDelay:      acquisition.RetryDelay,
		devices:         make(map[string]*deviceLoop),
		cycles:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// StartPoll begins polling a device. The first cycle runs immediately; a
// device that is already polling is restarted with the new parameters.
func (e *Engine) StartPoll(deviceID string, tags []string, interval time.Duration) error {
	if e == nil {
		return errors.New("acquisition: nil engine")
	}
	if deviceID == "" {
		return errors.New("acquisition: device id required")
	}
	if len(tags) == 0 {
		return errors.New("acquisition: no tags to poll")
	}
	if interval <= 0 {
		interval = e.defaultInterval
	}

	loop := e.newLoop(deviceID, tags, interval)
	e.mu.Lock()
	previous := e.devices[deviceID]
	e.devices[deviceID] = loop
	e.mu.Unlock()
	if previous != nil {
		previous.cancel()
	}

	e.logf("starting poll: device=%s tags=%d interval=%s", deviceID, len(tags), interval)
	go e.run(loop)
	return nil
}

// StopPoll cancels a device's loop and discards its state. An attempt in
// flight finishes but its result is dropped.
func (e *Engine) StopPoll(deviceID string) error {
	if e == nil {
		return errors.New("acquisition: nil engine")
	}
	e.mu.Lock()
	loop, ok := e.devices[deviceID]
	delete(e.devices, deviceID)
	e.mu.Unlock()
	if !ok {
		return acquisition.ErrDeviceNotFound
	}
	loop.cancel()
	metrics.ForgetDevice(deviceID)
	e.logf("stopped poll: device=%s", deviceID)
	return nil
}

// StopAll stops every loop and waits for in-flight cycles to drain.
func (e *Engine) StopAll() {
	if e == nil {
		return
	}
	e.mu.Lock()
	loops := make([]*deviceLoop, 0, len(e.devices))
	for id, loop := range e.devices {
		loops = append(loops, loop)
		delete(e.devices, id)
	}
	e.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		metrics.ForgetDevice(loop.id)
	}
	for _, loop := range loops {
		<-loop.done
	}
	e.logf("stopped all polls: count=%d", len(loops))
}

// StartAll starts every enabled device from the registry that is not
// already polling. Disabled devices and devices without enabled tags are
// skipped. It returns the number of loops started.
func (e *Engine) StartAll(ctx context.Context) (int, error) {
	if e == nil {
		return 0, errors.New("acquisition: nil engine")
	}
	if e.registry == nil {
		return 0, errors.New("acquisition: nil device registry")
	}
	devices, err := e.registry.ListEnabledDevices(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, device := range devices {
		if !device.Enabled {
			e.logf("skipping disabled device: device=%s", device.ID)
			continue
		}
		tags := device.EnabledTags()
		if len(tags) == 0 {
			e.logf("skipping device without enabled tags: device=%s", device.ID)
			continue
		}
		if e.IsPolling(device.ID) {
			continue
		}
		if err := e.StartPoll(device.ID, tags, device.PollInterval); err != nil {
			e.logf("start poll error: device=%s err=%v", device.ID, err)
			continue
		}
		started++
	}
	e.logf("started polls from registry: started=%d devices=%d", started, len(devices))
	return started, nil
}

// IsPolling reports whether a device has an active loop.
func (e *Engine) IsPolling(deviceID string) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	_, ok := e.devices[deviceID]
	e.mu.Unlock()
	return ok
}

// DeviceIDs lists polling devices in sorted order.
func (e *Engine) DeviceIDs() []string {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HealthStatus reports the state of every polling device.
func (e *Engine) HealthStatus() map[string]acquisition.DeviceHealth {
	status := make(map[string]acquisition.DeviceHealth)
	if e == nil {
		return status
	}
	now := e.clock.Now()
	for _, loop := range e.snapshotLoops() {
		loop.mu.Lock()
		status[loop.id] = loop.state.Health(loop.id, true, loop.buffer.Len(), now)
		loop.mu.Unlock()
	}
	return status
}

// BufferedData returns up to limit most recent samples of a device.
func (e *Engine) BufferedData(deviceID string, limit int) ([]acquisition.Sample, error) {
	loop, err := e.loop(deviceID)
	if err != nil {
		return nil, err
	}
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.buffer.Last(limit), nil
}

// LatestSample returns the newest buffered sample of a device.
func (e *Engine) LatestSample(deviceID string) (acquisition.Sample, bool) {
	loop, err := e.loop(deviceID)
	if err != nil {
		return acquisition.Sample{}, false
	}
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.buffer.Newest()
}

// ClearBuffer drops all buffered samples of a device.
func (e *Engine) ClearBuffer(deviceID string) error {
	loop, err := e.loop(deviceID)
	if err != nil {
		return err
	}
	loop.mu.Lock()
	loop.buffer.Reset()
	loop.mu.Unlock()
	metrics.SetBufferSize(deviceID, 0)
	return nil
}

// RecordRateLimit applies a rate-limit signal observed outside the poll
// loop, e.g. on a tag write.
func (e *Engine) RecordRateLimit(ctx context.Context, deviceID string, cause error) error {
	loop, err := e.loop(deviceID)
	if err != nil {
		return err
	}
	e.handleRateLimit(ctx, loop, cause)
	return nil
}

// WriteTag writes a value through the device's driver. Rate-limit
// rejections feed the device's backoff.
func (e *Engine) WriteTag(ctx context.Context, deviceID, tag string, value acquisition.Value) error {
	if e == nil {
		return errors.New("acquisition: nil engine")
	}
	if tag == "" {
		return errors.New("acquisition: tag required")
	}
	driver, err := e.drivers.Driver(deviceID)
	if err != nil {
		return err
	}
	if err := driver.Write(ctx, tag, value); err != nil {
		if acquisition.IsRateLimitError(err) {
			if loop, lookupErr := e.loop(deviceID); lookupErr == nil {
				e.handleRateLimit(ctx, loop, err)
			}
		}
		return err
	}
	e.logf("tag written: device=%s tag=%s value=%s", deviceID, tag, value)
	return nil
}

func (e *Engine) newLoop(deviceID string, tags []string, interval time.Duration) *deviceLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &deviceLoop{
		id:       deviceID,
		tags:     append([]string(nil), tags...),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    acquisition.NewPollState(e.clock.Now()),
		buffer:   acquisition.NewSampleBuffer(e.bufferCapacity),
	}
}

func (e *Engine) cycleLock(deviceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.cycles[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		e.cycles[deviceID] = lock
	}
	return lock
}

func (e *Engine) loop(deviceID string) (*deviceLoop, error) {
	if e == nil {
		return nil, errors.New("acquisition: nil engine")
	}
	e.mu.Lock()
	loop, ok := e.devices[deviceID]
	e.mu.Unlock()
	if !ok {
		return nil, acquisition.ErrDeviceNotFound
	}
	return loop, nil
}

func (e *Engine) snapshotLoops() []*deviceLoop {
	e.mu.Lock()
	defer e.mu.Unlock()
	loops := make([]*deviceLoop, 0, len(e.devices))
	for _, loop := range e.devices {
		loops = append(loops, loop)
	}
	return loops
}

// run is the single worker of a device. Ticks that arrive while a cycle is
// still running are dropped by the ticker, so cycles never overlap.
func (e *Engine) run(loop *deviceLoop) {
	defer close(loop.done)
	e.pollCycle(loop)

	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()
	for {
		select {
		case <-loop.ctx.Done():
			return
		case <-ticker.C:
			e.pollCycle(loop)
		}
	}
}

func (e *Engine) pollCycle(loop *deviceLoop) {
	if loop.ctx.Err() != nil {
		return
	}
	cycle := e.cycleLock(loop.id)
	cycle.Lock()
	defer cycle.Unlock()
	if loop.ctx.Err() != nil {
		return
	}
	start := e.clock.Now()

	loop.mu.Lock()
	ok, _ := loop.state.Gate(start)
	backoff := loop.state.RateLimitBackoff
	loop.mu.Unlock()
	metrics.SetRateLimitBackoff(loop.id, backoff)
	if !ok {
		metrics.ObservePoll(loop.id, metrics.PollResultSkipped, 0)
		return
	}

	values, result := e.pollWithRetry(loop)
	if result == resultStopped {
		return
	}
	metrics.ObservePoll(loop.id, result, e.clock.Now().Sub(start))
	if result == metrics.PollResultSuccess {
		e.processSample(loop, values)
	}
}

func (e *Engine) pollWithRetry(loop *deviceLoop) (map[string]acquisition.Value, string) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		values, err := e.read(loop)
		if loop.ctx.Err() != nil {
			return nil, resultStopped
		}
		if err == nil {
			loop.mu.Lock()
			loop.state.RecordSuccess(e.clock.Now())
			loop.mu.Unlock()
			return values, metrics.PollResultSuccess
		}
		if acquisition.IsRateLimitError(err) {
			e.handleRateLimit(loop.ctx, loop, err)
			return nil, metrics.PollResultRateLimited
		}

		lastErr = &acquisition.ReadError{DeviceID: loop.id, Attempt: attempt, Err: err}
		metrics.IncPollRetry(loop.id)
		e.logf("poll attempt failed: device=%s attempt=%d/%d err=%v", loop.id, attempt, e.maxAttempts, err)

		now := e.clock.Now()
		loop.mu.Lock()
		loop.state.RecordFailure(now, attempt)
		loop.mu.Unlock()

		if attempt < e.maxAttempts {
			if err := e.sleeper.Sleep(loop.ctx, e.retryDelay); err != nil {
				return nil, resultStopped
			}
		}
	}

	e.logf("poll retries exhausted: device=%s attempts=%d err=%v", loop.id, e.maxAttempts, lastErr)
	e.publish(loop.ctx, "", events.PollFailed{
		EventID:   uuid.NewString(),
		DeviceID:  loop.id,
		Error:     errorString(lastErr),
		Attempts:  e.maxAttempts,
		Timestamp: e.clock.Now(),
	})
	return nil, metrics.PollResultFailed
}

func (e *Engine) read(loop *deviceLoop) (map[string]acquisition.Value, error) {
	driver, err := e.drivers.Driver(loop.id)
	if err != nil {
		return nil, err
	}
	ctx := context.WithoutCancel(loop.ctx)
	if e.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.readTimeout)
		defer cancel()
	}
	values, err := driver.Read(ctx, loop.tags)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]acquisition.Value, len(loop.tags))
	}
	for _, tag := range loop.tags {
		if _, ok := values[tag]; !ok {
			values[tag] = acquisition.Null()
		}
	}
	return values, nil
}

func (e *Engine) handleRateLimit(ctx context.Context, loop *deviceLoop, cause error) {
	now := e.clock.Now()
	loop.mu.Lock()
	backoff := loop.state.ApplyRateLimit(now)
	loop.mu.Unlock()

	metrics.SetRateLimitBackoff(loop.id, backoff)
	e.logf("rate limit hit: device=%s backoff=%s err=%v", loop.id, backoff, cause)
	e.publish(ctx, "", events.RateLimited{
		EventID:   uuid.NewString(),
		DeviceID:  loop.id,
		BackoffMs: backoff.Milliseconds(),
		Timestamp: now,
	})
}

func (e *Engine) processSample(loop *deviceLoop, values map[string]acquisition.Value) {
	sample := acquisition.NewSample(loop.id, e.clock.Now(), values)
	ctx := context.WithoutCancel(loop.ctx)

	if e.sink != nil {
		for _, point := range sample.Points() {
			if err := e.sink.InsertPoint(ctx, point); err != nil {
				metrics.IncPersistenceError("timeseries")
				e.logf("persist point error: device=%s tag=%s err=%v", point.DeviceID, point.TagName, fmt.Errorf("%w: %v", acquisition.ErrPersistence, err))
			}
		}
	}

	loop.mu.Lock()
	loop.buffer.Push(sample)
	size := loop.buffer.Len()
	loop.mu.Unlock()
	metrics.SetBufferSize(loop.id, size)

	evt := events.DataAcquired{EventID: uuid.NewString(), Sample: sample}
	e.publish(loop.ctx, "", evt)
	e.publish(loop.ctx, eventbus.ScopedTopic(eventbus.EventTypeOf[events.DataAcquired](), loop.id), evt)
}

func (e *Engine) publish(ctx context.Context, topic string, event any) {
	if e.publisher == nil {
		return
	}
	var err error
	if topic == "" {
		err = e.publisher.Publish(ctx, event)
	} else {
		err = e.publisher.PublishTo(ctx, topic, event)
	}
	if err != nil {
		e.logf("publish error: type=%s topic=%s err=%v", eventbus.EventType(event), topic, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
