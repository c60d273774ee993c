// Package worker runs the attribute polling engine: one loop per
// commissioned device, reading every tracked attribute through
// chip-tool and emitting change events when a value differs from the
// registry cache.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
)

const (
	// pauseRecheck is how long a loop sleeps while an external command
	// holds the pause flag.
	pauseRecheck = 500 * time.Millisecond
	// attributeGap spaces consecutive reads against the same device.
	attributeGap = 100 * time.Millisecond
)

// Executor runs one chip-tool command. Polling calls the process
// executor directly; the command gateway's pause only applies to
// external commands.
type Executor interface {
	Execute(ctx context.Context, command string) chiptool.Response
}

// Sink receives change events. Delivery failures are the sink's
// problem; the engine never blocks on it.
type Sink interface {
	Publish(event ChangeEvent)
}

// ChangeEvent is emitted when a polled value differs from the cached
// one, or when an attribute is read for the first time.
type ChangeEvent struct {
	Type   string       `json:"type"`
	Device DeviceRef    `json:"device"`
	Data   ChangeDetail `json:"data"`
}

type DeviceRef struct {
	Node     uint64 `json:"node"`
	Endpoint uint16 `json:"endpoint"`
}

type ChangeDetail struct {
	Cluster   string `json:"cluster"`
	Attribute string `json:"attribute"`
	Type      string `json:"type"`
	Value     any    `json:"value"`
}

// Config carries the polling knobs.
type Config struct {
	PollingInterval       time.Duration
	CommandTimeout        time.Duration
	AutoDiscoveryInterval time.Duration
	MaxConcurrentDevices  int
	DeviceErrorStop       bool
}

type attrKey struct {
	ref       repository.EndpointRef
	cluster   string
	attribute string
}

// Engine owns every per-device polling loop. The periodic
// auto-discovery rescan lives in the scheduler package and calls
// Rescan.
type Engine struct {
	cfg      Config
	executor Executor
	registry repository.Registry
	sink     Sink
	logger   *zap.Logger

	sem chan struct{}

	mu             sync.Mutex
	deviceLocks    map[repository.EndpointRef]*sync.Mutex
	enabled        map[repository.EndpointRef]bool
	errorCounts    map[repository.EndpointRef]int
	lastPoll       map[attrKey]time.Time
	loops          map[repository.EndpointRef]struct{}
	completedLoops int

	// commandMu guards the run state the command gateway toggles.
	// pauseDepth counts overlapping external commands; polling stays
	// paused until the last one resumes.
	commandMu  sync.Mutex
	running    bool
	pauseDepth int
	ctx        context.Context
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

func New(cfg Config, executor Executor, registry repository.Registry, sink Sink, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		executor:    executor,
		registry:    registry,
		sink:        sink,
		logger:      logger,
		sem:         make(chan struct{}, cfg.MaxConcurrentDevices),
		deviceLocks: make(map[repository.EndpointRef]*sync.Mutex),
		enabled:     make(map[repository.EndpointRef]bool),
		errorCounts: make(map[repository.EndpointRef]int),
		lastPoll:    make(map[attrKey]time.Time),
		loops:       make(map[repository.EndpointRef]struct{}),
	}
}

// Start spawns a polling loop for every endpoint that has tracked
// attributes. The auto-discovery rescan that picks up endpoints
// commissioned later runs on the cron scheduler, which calls Rescan.
func (e *Engine) Start(ctx context.Context) error {
	e.commandMu.Lock()
	if e.running {
		e.commandMu.Unlock()
		e.logger.Warn("polling already running")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.ctx, e.cancel = ctx, cancel
	e.running = true
	e.pauseDepth = 0
	e.commandMu.Unlock()

	refs, err := e.registry.TrackedEndpoints(ctx)
	if err != nil {
		e.Stop()
		return fmt.Errorf("scanning tracked endpoints: %w", err)
	}
	for _, ref := range refs {
		e.spawnLoop(ctx, ref)
	}
	e.logger.Info("polling started", zap.Int("devices", len(refs)))
	return nil
}

// Stop cancels every loop and waits for them to drain.
func (e *Engine) Stop() {
	e.commandMu.Lock()
	if !e.running {
		e.commandMu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.commandMu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("polling stopped")
}

// Pause stops loops from issuing reads while an external command is in
// flight. Cooperative: loops observe the flag at their checkpoints.
// Pauses nest, so overlapping commands keep polling quiet until the
// last one resumes.
func (e *Engine) Pause() {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	if !e.running {
		return
	}
	e.pauseDepth++
	e.logger.Info("polling paused for command", zap.Int("depth", e.pauseDepth))
}

func (e *Engine) Resume() {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	if !e.running || e.pauseDepth == 0 {
		return
	}
	e.pauseDepth--
	if e.pauseDepth == 0 {
		e.logger.Info("polling resumed after command")
	}
}

// PollOnce refreshes a single attribute outside the device's regular
// sweep. The command gateway uses it to pull the OnOff state right
// after a power command.
func (e *Engine) PollOnce(nodeID uint64, endpoint uint16, cluster, attribute string) {
	ctx, running := e.runContext()
	if !running {
		return
	}
	ref := repository.EndpointRef{NodeID: nodeID, Endpoint: endpoint}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		lock := e.deviceLock(ref)
		lock.Lock()
		defer lock.Unlock()

		attr, ok := e.attributeRow(ctx, nodeID, endpoint, cluster, attribute)
		if !ok {
			return
		}
		if err := e.pollAttribute(ctx, attr); err != nil {
			e.logger.Warn("immediate poll failed",
				zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint),
				zap.String("cluster", cluster), zap.String("attribute", attribute), zap.Error(err))
		}
	}()
}

// AddDevice starts a polling loop for a newly registered endpoint.
func (e *Engine) AddDevice(nodeID uint64, endpoint uint16) {
	ctx, running := e.runContext()
	if !running {
		e.logger.Warn("polling not running, device not added",
			zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint))
		return
	}
	ref := repository.EndpointRef{NodeID: nodeID, Endpoint: endpoint}

	attrs, err := e.registry.AttributesByDevice(ctx, nodeID, endpoint)
	if err != nil || len(attrs) == 0 {
		e.logger.Warn("no attributes to poll for device",
			zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint), zap.Error(err))
		return
	}

	e.setEnabled(ref, true)
	if e.spawnLoop(ctx, ref) {
		e.logger.Info("polling added for device",
			zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint))
	}
}

// RemoveDevice stops the endpoint's loop and drops its state. The loop
// exits at its next checkpoint.
func (e *Engine) RemoveDevice(nodeID uint64, endpoint uint16) {
	ref := repository.EndpointRef{NodeID: nodeID, Endpoint: endpoint}

	e.mu.Lock()
	delete(e.enabled, ref)
	delete(e.errorCounts, ref)
	for key := range e.lastPoll {
		if key.ref == ref {
			delete(e.lastPoll, key)
		}
	}
	e.mu.Unlock()

	e.logger.Info("polling removed for device",
		zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint))
}

// Rescan picks up endpoints that gained attribute rows since the last
// scan. Loops are only ever added here; removal is API-driven.
func (e *Engine) Rescan(ctx context.Context) (int, error) {
	runCtx, running := e.runContext()
	if !running {
		e.logger.Warn("polling not running, rescan skipped")
		return 0, nil
	}
	if ctx == nil {
		ctx = runCtx
	}

	refs, err := e.registry.TrackedEndpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning tracked endpoints: %w", err)
	}

	added := 0
	for _, ref := range refs {
		if e.hasLoop(ref) {
			continue
		}
		e.setEnabled(ref, true)
		if e.spawnLoop(runCtx, ref) {
			added++
		}
	}
	if added > 0 {
		e.logger.Info("rescan added devices", zap.Int("count", added))
	}
	return added, nil
}

func (e *Engine) deviceLoop(ctx context.Context, ref repository.EndpointRef) {
	defer e.wg.Done()
	defer e.forgetLoop(ref)
	e.logger.Info("polling loop started",
		zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint))

	for e.isRunning() && e.deviceEnabled(ref) {
		if e.isPaused() {
			if !sleepCtx(ctx, pauseRecheck) {
				return
			}
			continue
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		e.pollDevice(ctx, ref)
		<-e.sem

		if !sleepCtx(ctx, e.cfg.PollingInterval) {
			return
		}
	}
	e.logger.Info("polling loop ended",
		zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint))
}

// pollDevice sweeps every attribute of one endpoint sequentially under
// the device lock.
func (e *Engine) pollDevice(ctx context.Context, ref repository.EndpointRef) {
	lock := e.deviceLock(ref)
	lock.Lock()
	defer lock.Unlock()

	if e.isPaused() {
		return
	}

	attrs, err := e.registry.AttributesByDevice(ctx, ref.NodeID, ref.Endpoint)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("loading attributes failed",
				zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint), zap.Error(err))
		}
		return
	}
	if len(attrs) == 0 {
		e.logger.Debug("no attributes to poll",
			zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint))
		return
	}

	for _, attr := range attrs {
		if !e.isRunning() || !e.deviceEnabled(ref) {
			break
		}
		if e.isPaused() {
			break
		}

		if err := e.pollAttribute(ctx, attr); err != nil {
			if ctx.Err() != nil {
				return
			}
			count := e.bumpErrorCount(ref)
			if e.cfg.DeviceErrorStop {
				e.logger.Error("disabling device after polling error",
					zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint),
					zap.Int("errors", count), zap.Error(err))
				e.setEnabled(ref, false)
				break
			}
			e.logger.Error("attribute poll failed",
				zap.Uint64("node", ref.NodeID), zap.Uint16("endpoint", ref.Endpoint),
				zap.Int("errors", count), zap.Error(err))
		}

		if !sleepCtx(ctx, attributeGap) {
			return
		}
	}
}

// pollAttribute reads one attribute and, when the value differs from
// the cached one (or the cache is empty), updates the registry and
// emits a change event.
func (e *Engine) pollAttribute(ctx context.Context, attr repository.Attribute) error {
	command := fmt.Sprintf("%s read %s %d %d",
		service.NormalizeClusterName(attr.Cluster), service.KebabAttributeName(attr.Attribute),
		attr.NodeID, attr.Endpoint)

	readCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	resp := e.executor.Execute(readCtx, command)
	cancel()

	if resp.Status != chiptool.StatusSuccess {
		return fmt.Errorf("reading %s.%s: %s", attr.Cluster, attr.Attribute, responseError(resp))
	}
	value, ok := extractValue(resp)
	if !ok {
		return fmt.Errorf("no value in response for %s.%s", attr.Cluster, attr.Attribute)
	}

	newValue := fmt.Sprint(value)
	if attr.Value == nil || *attr.Value != newValue {
		if err := e.registry.UpdateAttributeValue(ctx, attr.NodeID, attr.Endpoint, attr.Cluster, attr.Attribute, newValue); err != nil {
			return fmt.Errorf("caching %s.%s: %w", attr.Cluster, attr.Attribute, err)
		}
		e.logger.Info("attribute changed",
			zap.Uint64("node", attr.NodeID), zap.Uint16("endpoint", attr.Endpoint),
			zap.String("cluster", attr.Cluster), zap.String("attribute", attr.Attribute),
			zap.String("value", newValue))
		e.emit(attr, value)
	}

	e.touchLastPoll(attr)
	return nil
}

func (e *Engine) emit(attr repository.Attribute, value any) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(ChangeEvent{
		Type:   "status_report",
		Device: DeviceRef{Node: attr.NodeID, Endpoint: attr.Endpoint},
		Data: ChangeDetail{
			Cluster:   attr.Cluster,
			Attribute: attr.Attribute,
			Type:      attr.Type,
			Value:     value,
		},
	})
}

func (e *Engine) attributeRow(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (repository.Attribute, bool) {
	attrs, err := e.registry.AttributesByDevice(ctx, nodeID, endpoint)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("loading attributes failed",
				zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint), zap.Error(err))
		}
		return repository.Attribute{}, false
	}
	for _, attr := range attrs {
		if attr.Cluster == cluster && attr.Attribute == attribute {
			return attr, true
		}
	}
	return repository.Attribute{}, false
}

// ── Loop bookkeeping ─────────────────────────────────────────────────

func (e *Engine) spawnLoop(ctx context.Context, ref repository.EndpointRef) bool {
	e.mu.Lock()
	if _, ok := e.loops[ref]; ok {
		e.mu.Unlock()
		return false
	}
	e.loops[ref] = struct{}{}
	if _, ok := e.enabled[ref]; !ok {
		e.enabled[ref] = true
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.deviceLoop(ctx, ref)
	return true
}

func (e *Engine) forgetLoop(ref repository.EndpointRef) {
	e.mu.Lock()
	delete(e.loops, ref)
	e.completedLoops++
	e.mu.Unlock()
}

func (e *Engine) hasLoop(ref repository.EndpointRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[ref]
	return ok
}

func (e *Engine) deviceLock(ref repository.EndpointRef) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.deviceLocks[ref]
	if !ok {
		lock = &sync.Mutex{}
		e.deviceLocks[ref] = lock
	}
	return lock
}

func (e *Engine) deviceEnabled(ref repository.EndpointRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled[ref]
}

func (e *Engine) setEnabled(ref repository.EndpointRef, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled[ref] = on
}

func (e *Engine) bumpErrorCount(ref repository.EndpointRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorCounts[ref]++
	return e.errorCounts[ref]
}

func (e *Engine) touchLastPoll(attr repository.Attribute) {
	key := attrKey{
		ref:       repository.EndpointRef{NodeID: attr.NodeID, Endpoint: attr.Endpoint},
		cluster:   attr.Cluster,
		attribute: attr.Attribute,
	}
	e.mu.Lock()
	e.lastPoll[key] = time.Now()
	e.mu.Unlock()
}

func (e *Engine) isRunning() bool {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	return e.running
}

func (e *Engine) isPaused() bool {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	return e.pauseDepth > 0
}

func (e *Engine) runContext() (context.Context, bool) {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	return e.ctx, e.running
}

func extractValue(resp chiptool.Response) (any, bool) {
	rec, ok := resp.Data.(chiptool.Record)
	if !ok || rec.Value == nil {
		return nil, false
	}
	return rec.Value, true
}

func responseError(resp chiptool.Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	return resp.Status
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
