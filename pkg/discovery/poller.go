// Package discovery polls the bridge for attached devices and reconciles the
// result into the registry.
package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"DroidView/pkg/bridge"
	"DroidView/pkg/broadcast"
	"DroidView/pkg/registry"
	"DroidView/pkg/types"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Bridge is the subset of the adb bridge the poller needs
type Bridge interface {
	ListDevices(ctx context.Context) ([]bridge.Entry, error)
	Metadata(ctx context.Context, deviceID string) (types.DeviceMetadata, error)
}

type Config struct {
	Interval    time.Duration
	TickTimeout time.Duration

	// MetadataRate limits getprop/wm size fetches across all devices.
	MetadataRate  rate.Limit
	MetadataBurst int

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 5 * time.Second
	}
	if c.MetadataRate <= 0 {
		c.MetadataRate = rate.Limit(4)
	}
	if c.MetadataBurst <= 0 {
		c.MetadataBurst = 4
	}
}

// Poller runs one discovery tick per interval and never overlaps itself
type Poller struct {
	bridge  Bridge
	reg     *registry.Registry
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	busy    atomic.Bool
	skipped atomic.Uint64

	healthMu  sync.RWMutex
	health    Health
	healthHub *broadcast.Hub[Health]

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(b Bridge, reg *registry.Registry, cfg Config) *Poller {
	cfg.applyDefaults()
	return &Poller{
		bridge:    b,
		reg:       reg,
		cfg:       cfg,
		logger:    cfg.Logger,
		limiter:   rate.NewLimiter(cfg.MetadataRate, cfg.MetadataBurst),
		health:    Health{Status: StatusUnknown},
		healthHub: broadcast.NewHub[Health](),
	}
}

// Start launches the polling loop. The first tick runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("Discovery started")
}

// Stop ends the loop and waits for an in-flight tick to finish
func (p *Poller) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.healthHub.Close()
	p.logger.Info().Msg("Discovery stopped")
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.spawnTick(ctx)
		}
	}
}

func (p *Poller) spawnTick(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Tick(ctx)
	}()
}

// Tick runs one discovery pass. It returns false without doing anything when
// the previous tick is still in flight.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.busy.CompareAndSwap(false, true) {
		n := p.skipped.Add(1)
		p.logger.Debug().Uint64("skipped", n).Msg("Discovery tick skipped, previous tick still running")
		return false
	}
	defer p.busy.Store(false)

	tickCtx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	defer cancel()

	entries, err := p.bridge.ListDevices(tickCtx)
	if err != nil {
		var protoErr *types.ProtocolError
		if errors.As(err, &protoErr) {
			p.logger.Warn().Err(err).Msg("Unparseable device list, ignoring tick")
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		p.recordFailure(err)
		return true
	}

	p.recordSuccess()
	p.reconcile(tickCtx, entries)
	return true
}

// reconcile diffs the bridge listing against the registry snapshot
func (p *Poller) reconcile(ctx context.Context, entries []bridge.Entry) {
	known := make(map[string]types.Device)
	for _, d := range p.reg.List() {
		known[d.ID] = d
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.ID] = true
		state := bridge.MapState(e.RawState)
		prev, ok := known[e.ID]

		if !ok {
			p.addDevice(ctx, e, state)
			continue
		}

		meta := prev.Metadata
		if state.Phase == types.PhaseConnected && meta.Empty() {
			meta = p.fetchMetadata(ctx, e.ID)
		}
		p.upsert(types.Device{ID: e.ID, Kind: e.Kind, State: state, Metadata: meta})
	}

	for id, d := range known {
		if present[id] {
			continue
		}
		switch {
		case d.State.Phase == types.PhasePairing:
			// placeholder owned by the pairing machine
		case d.SessionID != "":
			if !d.State.IsLost() {
				p.logger.Warn().Str("device", id).Str("session", d.SessionID).Msg("Device with active session vanished, marking lost")
				p.upsert(types.Device{ID: id, Kind: d.Kind, State: types.ErrorState(types.ReasonLost), Metadata: d.Metadata})
			}
		default:
			if err := p.reg.Remove(id); err != nil {
				p.logger.Debug().Err(err).Str("device", id).Msg("Remove failed")
			}
		}
	}
}

// addDevice registers a new id as Connecting before its settled state.
// Unauthorized devices refuse shell commands, so only Connected ones get metadata.
func (p *Poller) addDevice(ctx context.Context, e bridge.Entry, state types.DeviceState) {
	switch state.Phase {
	case types.PhaseConnected, types.PhaseUnauthorized:
	default:
		p.upsert(types.Device{ID: e.ID, Kind: e.Kind, State: state})
		return
	}
	p.upsert(types.Device{ID: e.ID, Kind: e.Kind, State: types.StateOf(types.PhaseConnecting)})
	if state.Phase == types.PhaseUnauthorized {
		p.upsert(types.Device{ID: e.ID, Kind: e.Kind, State: state})
		return
	}
	meta := p.fetchMetadata(ctx, e.ID)
	p.upsert(types.Device{ID: e.ID, Kind: e.Kind, State: state, Metadata: meta})
}

func (p *Poller) upsert(d types.Device) {
	if _, err := p.reg.Upsert(d); err != nil {
		p.logger.Warn().Err(err).Str("device", d.ID).Msg("Registry rejected device")
	}
}

// fetchMetadata returns empty metadata when rate limited or on failure; a
// later tick retries for Connected devices that still lack it.
func (p *Poller) fetchMetadata(ctx context.Context, id string) types.DeviceMetadata {
	if !p.limiter.Allow() {
		return types.DeviceMetadata{}
	}
	meta, err := p.bridge.Metadata(ctx, id)
	if err != nil {
		p.logger.Debug().Err(err).Str("device", id).Msg("Metadata fetch failed")
		return types.DeviceMetadata{}
	}
	return meta
}
