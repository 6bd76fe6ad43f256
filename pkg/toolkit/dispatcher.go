// Package toolkit runs one-shot device actions. Actions for the same device run
// one at a time in dispatch order; different devices proceed independently.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DroidView/pkg/broadcast"
	"DroidView/pkg/registry"
	"DroidView/pkg/runner"
	"DroidView/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bridge is the subset of the adb bridge the dispatcher needs
type Bridge interface {
	DeviceCommand(deviceID string, args ...string) runner.Command
	Run(ctx context.Context, cmd runner.Command) (runner.Result, error)
	Runner() runner.Runner
	InstallSucceeded(res runner.Result) bool
}

type Config struct {
	ActionTimeout  time.Duration
	InstallTimeout time.Duration
	// RecordSettle is how long a fresh screenrecord must survive to count as started.
	RecordSettle    time.Duration
	RecordStopGrace time.Duration
	RecordDir       string
	Logger          zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 5 * time.Minute
	}
	if c.RecordSettle <= 0 {
		c.RecordSettle = 500 * time.Millisecond
	}
	if c.RecordStopGrace <= 0 {
		c.RecordStopGrace = 5 * time.Second
	}
	if c.RecordDir == "" {
		c.RecordDir = "/sdcard"
	}
}

type Dispatcher struct {
	bridge Bridge
	reg    *registry.Registry
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	records map[string]*recording
	// recordClaims holds, per device, the start job owning a recording that is
	// running or queued to start and not yet claimed by a stop.
	recordClaims map[string]*job
	closed       bool

	hub    *broadcast.Hub[Event]
	regSub *broadcast.Subscription[registry.Event]
	wg     sync.WaitGroup
	now    func() time.Time
}

type job struct {
	id       string
	deviceID string
	action   Action
	ctx      context.Context
	reply    chan outcome
}

type outcome struct {
	result Result
	err    error
}

type queue struct {
	jobs    []*job
	current context.CancelCauseFunc
}

func New(b Bridge, reg *registry.Registry, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		bridge:       b,
		reg:          reg,
		cfg:          cfg,
		logger:       cfg.Logger,
		queues:       make(map[string]*queue),
		records:      make(map[string]*recording),
		recordClaims: make(map[string]*job),
		hub:          broadcast.NewHub[Event](),
		regSub:       reg.Subscribe(),
		now:          time.Now,
	}
	d.wg.Add(1)
	go d.watchDevices()
	return d
}

// Dispatch queues an action and waits for its result. Requests that can never
// succeed (device not connected, stop without recording) are rejected before
// anything is queued.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, a Action) (Result, error) {
	if err := a.validate(); err != nil {
		return Result{}, err
	}
	if !d.reg.IsConnected(deviceID) {
		return Result{}, types.Rejected(types.RejectNotConnected)
	}

	j := &job{
		id:       uuid.New().String(),
		deviceID: deviceID,
		action:   a,
		ctx:      ctx,
		reply:    make(chan outcome, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{}, types.Rejected(types.RejectDispatcherShutdown)
	}
	switch a.Kind {
	case KindRecordStart:
		if d.recordClaims[deviceID] != nil {
			d.mu.Unlock()
			return Result{}, types.Rejected(types.RejectRecordingActive)
		}
		d.recordClaims[deviceID] = j
	case KindRecordStop:
		if d.recordClaims[deviceID] == nil {
			d.mu.Unlock()
			return Result{}, types.Rejected(types.RejectNoActiveRecording)
		}
		delete(d.recordClaims, deviceID)
	}

	q, busy := d.queues[deviceID]
	if !busy {
		q = &queue{}
		d.queues[deviceID] = q
	}
	q.jobs = append(q.jobs, j)
	if !busy {
		d.wg.Add(1)
		go d.drain(deviceID, q)
	}
	d.mu.Unlock()

	d.logger.Debug().Str("device", deviceID).Str("action", string(a.Kind)).Str("id", j.id).Msg("Action queued")

	select {
	case out := <-j.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{ID: j.id, DeviceID: deviceID, Kind: a.Kind}, ctx.Err()
	}
}

// IsRecording reports whether a screen recording is running on the device
func (d *Dispatcher) IsRecording(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[deviceID]
	return ok && rec.alive()
}

// Subscribe streams executed actions
func (d *Dispatcher) Subscribe() *broadcast.Subscription[Event] {
	return d.hub.Subscribe()
}

// Close rejects queued actions, cancels running ones and stops recordings
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		if q.current != nil {
			q.current(types.Rejected(types.RejectDispatcherShutdown))
		}
	}
	records := d.records
	d.records = make(map[string]*recording)
	d.mu.Unlock()

	for id, rec := range records {
		d.logger.Info().Str("device", id).Msg("Killing screen recording on shutdown")
		_ = rec.proc.Kill()
	}

	d.regSub.Close()
	d.wg.Wait()
	d.hub.Close()
}

// drain runs queued jobs for one device until the queue is empty
func (d *Dispatcher) drain(deviceID string, q *queue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			delete(d.queues, deviceID)
			d.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]

		if d.closed {
			d.mu.Unlock()
			d.reject(j, types.Rejected(types.RejectDispatcherShutdown))
			continue
		}
		ctx, cancel := context.WithCancelCause(j.ctx)
		q.current = cancel
		d.mu.Unlock()

		d.execute(ctx, j)

		d.mu.Lock()
		q.current = nil
		d.mu.Unlock()
		cancel(nil)
	}
}

func (d *Dispatcher) reject(j *job, err error) {
	d.releaseClaim(j)
	j.reply <- outcome{result: Result{ID: j.id, DeviceID: j.deviceID, Kind: j.action.Kind}, err: err}
}

// releaseClaim undoes the dispatch-time recording claim of a start that never ran
func (d *Dispatcher) releaseClaim(j *job) {
	if j.action.Kind != KindRecordStart {
		return
	}
	d.mu.Lock()
	if d.recordClaims[j.deviceID] == j {
		delete(d.recordClaims, j.deviceID)
	}
	d.mu.Unlock()
}

// restoreClaim keeps the claim table in step with the recordings after a failed start or stop
func (d *Dispatcher) restoreClaim(j *job) {
	switch j.action.Kind {
	case KindRecordStart:
		d.releaseClaim(j)
	case KindRecordStop:
		d.mu.Lock()
		if rec, running := d.records[j.deviceID]; running {
			d.recordClaims[j.deviceID] = rec.owner
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *job) {
	res := Result{ID: j.id, DeviceID: j.deviceID, Kind: j.action.Kind, StartedAt: d.now()}

	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case !d.reg.IsConnected(j.deviceID):
		err = &types.DeviceLostError{DeviceID: j.deviceID}
	default:
		err = d.run(ctx, j, &res)
	}
	var lost *types.DeviceLostError
	var rejected *types.RejectedError
	if err != nil {
		if cause := context.Cause(ctx); errors.As(cause, &lost) || errors.As(cause, &rejected) {
			err = cause
		}
		d.restoreClaim(j)
	}
	res.FinishedAt = d.now()

	ev := Event{Result: res, Action: j.action}
	logEv := d.logger.Info()
	if err != nil {
		ev.Error = err.Error()
		logEv = d.logger.Warn().Err(err)
	}
	logEv.Str("device", j.deviceID).Str("action", string(j.action.Kind)).Dur("took", res.Duration()).Msg("Action finished")
	d.hub.Publish(ev)

	j.reply <- outcome{result: res, err: err}
}

func (d *Dispatcher) run(ctx context.Context, j *job, res *Result) error {
	a := j.action
	switch a.Kind {
	case KindScreenshot:
		return d.screenshot(ctx, j.deviceID, a, res)
	case KindRecordStart:
		return d.recordStart(ctx, j, res)
	case KindRecordStop:
		return d.recordStop(ctx, j.deviceID, a, res)
	case KindInstall:
		return d.install(ctx, j.deviceID, a, res)
	case KindPush:
		return d.transfer(ctx, j.deviceID, res, a.Remote, "push", a.Source, a.Remote)
	case KindPull:
		return d.transfer(ctx, j.deviceID, res, a.Dest, "pull", a.Remote, a.Dest)
	case KindUninstall:
		return d.uninstall(ctx, j.deviceID, a, res)
	case KindDisableApp:
		return d.disableApp(ctx, j.deviceID, a, res)
	case KindPackages:
		return d.packages(ctx, j.deviceID, a, res)
	case KindReboot:
		return d.reboot(ctx, j.deviceID, a, res)
	case KindTcpip:
		return d.tcpip(ctx, j.deviceID, a, res)
	case KindBattery:
		return d.batteryInfo(ctx, j.deviceID, res)
	case KindDisplay:
		return d.displayInfo(ctx, j.deviceID, res)
	}
	return fmt.Errorf("unhandled action %q", a.Kind)
}

// watchDevices fails in-flight work for devices that are lost or removed
func (d *Dispatcher) watchDevices() {
	defer d.wg.Done()
	for ev := range d.regSub.C() {
		lost := ev.Kind == registry.EventRemoved || (ev.Kind == registry.EventStateChanged && ev.Device.State.IsLost())
		if !lost {
			continue
		}
		id := ev.Device.ID

		d.mu.Lock()
		if q, ok := d.queues[id]; ok && q.current != nil {
			q.current(&types.DeviceLostError{DeviceID: id})
		}
		rec, recording := d.records[id]
		delete(d.records, id)
		delete(d.recordClaims, id)
		d.mu.Unlock()

		if recording {
			d.logger.Warn().Str("device", id).Msg("Device lost during screen recording")
			_ = rec.proc.Kill()
		}
	}
}
