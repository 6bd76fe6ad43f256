// Package pairing drives the wireless debugging handshake:
// scan, await code, adb pair, adb connect, then wait for discovery to
// report the device as connected.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"DroidView/pkg/bridge"
	"DroidView/pkg/broadcast"
	"DroidView/pkg/registry"
	"DroidView/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bridge is the subset of the adb bridge used by pairing
type Bridge interface {
	Pair(ctx context.Context, address, code string) error
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error
	MDNSServices(ctx context.Context) ([]bridge.Service, error)
}

type Config struct {
	StepTimeout time.Duration
	ConnectPort int
	Logger      zerolog.Logger
}

// Machine runs one goroutine per attempt, at most one attempt per address
type Machine struct {
	bridge Bridge
	reg    *registry.Registry
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*Attempt
	closed   bool
	wg       sync.WaitGroup

	hub *broadcast.Hub[Event]
	now func() time.Time
}

func New(b Bridge, reg *registry.Registry, cfg Config) *Machine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.ConnectPort <= 0 {
		cfg.ConnectPort = 5555
	}
	return &Machine{
		bridge:   b,
		reg:      reg,
		cfg:      cfg,
		logger:   cfg.Logger,
		attempts: make(map[string]*Attempt),
		hub:      broadcast.NewHub[Event](),
		now:      time.Now,
	}
}

// Start validates the request and launches the attempt. A second request for
// an address with an active attempt is rejected without side effects.
func (m *Machine) Start(req Request) (*Attempt, error) {
	req.Address = strings.TrimSpace(req.Address)
	req.Code = strings.TrimSpace(req.Code)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.Rejectedf(types.RejectDispatcherShutdown, "pairing machine closed")
	}
	if _, busy := m.attempts[req.Address]; busy {
		m.mu.Unlock()
		return nil, types.Rejectedf(types.RejectPairingInProgress, "address %s", req.Address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := m.now()
	a := &Attempt{
		req:    req,
		codeCh: make(chan string, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		info: Info{
			ID:        uuid.New().String(),
			Address:   req.Address,
			Step:      StepIdle,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	if req.Code != "" {
		a.codeCh <- req.Code
	}
	m.attempts[req.Address] = a
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("address", req.Address).Str("attempt", a.info.ID).Msg("Pairing started")
	go func() {
		defer m.wg.Done()
		m.run(ctx, a)
	}()
	return a, nil
}

// Pair starts an attempt and waits for it to finish. Cancelling ctx cancels the attempt.
func (m *Machine) Pair(ctx context.Context, req Request) (Info, error) {
	a, err := m.Start(req)
	if err != nil {
		return Info{}, err
	}
	info, err := a.Wait(ctx)
	if ctx.Err() != nil && !info.Step.Terminal() {
		a.cancel()
		<-a.done
		return a.Info(), ctx.Err()
	}
	return info, err
}

// SubmitCode delivers the pairing code to an attempt that was started without one
func (m *Machine) SubmitCode(address, code string) error {
	code = strings.TrimSpace(code)
	if !validCode(code) {
		return types.Rejectedf(types.RejectInvalidRequest, "pairing code must be 6 digits")
	}
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	select {
	case a.codeCh <- code:
		return nil
	default:
		return types.Rejectedf(types.RejectInvalidRequest, "code already submitted for %s", address)
	}
}

// Cancel stops an attempt. Any bridge command in flight is killed.
func (m *Machine) Cancel(address string) error {
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	a.cancel()
	<-a.done
	return nil
}

// Get returns the active attempt for address
func (m *Machine) Get(address string) (Info, error) {
	a, err := m.lookup(address)
	if err != nil {
		return Info{}, err
	}
	return a.Info(), nil
}

// List returns all active attempts
func (m *Machine) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a.Info())
	}
	return out
}

// Subscribe streams step transitions of every attempt
func (m *Machine) Subscribe() *broadcast.Subscription[Event] {
	return m.hub.Subscribe()
}

// Close cancels every active attempt and waits for them to finish
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	for _, a := range m.attempts {
		a.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.hub.Close()
}

func (m *Machine) lookup(address string) (*Attempt, error) {
	address = strings.TrimSpace(address)
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[address]
	if !ok {
		return nil, fmt.Errorf("pairing attempt %s: %w", address, types.ErrNotFound)
	}
	return a, nil
}

func (m *Machine) run(ctx context.Context, a *Attempt) {
	placeholder := ""
	var err error

	defer func() {
		if placeholder != "" {
			m.dropPlaceholder(placeholder)
		}
		m.mu.Lock()
		delete(m.attempts, a.req.Address)
		m.mu.Unlock()
		a.cancel()
		close(a.done)
	}()

	fail := func(step Step, err error) {
		if ctx.Err() != nil {
			m.finish(a, StepCancelled, "cancelled by user", ErrCancelled)
			return
		}
		reason := failureReason(step, err)
		m.finish(a, StepFailed, reason, fmt.Errorf("pairing %s: %w", a.req.Address, err))
	}

	m.setStep(a, StepScanning, "")
	pairAddr, connectAddr, err := m.scan(ctx, a.req)
	if err != nil {
		fail(StepScanning, err)
		return
	}
	a.mu.Lock()
	a.info.PairAddress = pairAddr
	a.info.ConnectAddress = connectAddr
	a.mu.Unlock()

	m.setStep(a, StepAwaitingCode, "")
	code, err := m.awaitCode(ctx, a)
	if err != nil {
		fail(StepAwaitingCode, err)
		return
	}

	m.setStep(a, StepConnecting, "")
	if m.writePlaceholder(connectAddr) {
		placeholder = connectAddr
	}
	if err = m.step(ctx, StepConnecting, func(stepCtx context.Context) error {
		return m.bridge.Pair(stepCtx, pairAddr, code)
	}); err != nil {
		fail(StepConnecting, err)
		return
	}

	m.setStep(a, StepVerifying, "")
	if err = m.step(ctx, StepVerifying, func(stepCtx context.Context) error {
		if err := m.bridge.Connect(stepCtx, connectAddr); err != nil {
			return err
		}
		return m.awaitConnected(stepCtx, connectAddr)
	}); err != nil {
		fail(StepVerifying, err)
		return
	}

	// the poller has replaced the placeholder with the real device
	placeholder = ""
	m.finish(a, StepPaired, "", nil)
}

// step runs fn under the per-step deadline
func (m *Machine) step(ctx context.Context, s Step, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	defer cancel()
	err := fn(stepCtx)
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		var te *types.TimeoutError
		if !errors.As(err, &te) {
			err = &types.TimeoutError{Op: "pairing " + string(s), Timeout: m.cfg.StepTimeout}
		}
	}
	return err
}

// scan resolves the pairing endpoint and the address to connect to afterwards
func (m *Machine) scan(ctx context.Context, req Request) (string, string, error) {
	host, _, err := net.SplitHostPort(req.Address)
	if err == nil {
		connect := req.ConnectAddress
		if connect == "" {
			connect = net.JoinHostPort(host, strconv.Itoa(m.cfg.ConnectPort))
		}
		return req.Address, connect, nil
	}

	host = req.Address
	var services []bridge.Service
	err = m.step(ctx, StepScanning, func(stepCtx context.Context) error {
		var err error
		services, err = m.bridge.MDNSServices(stepCtx)
		return err
	})
	if err != nil {
		return "", "", err
	}

	var pairAddr, connectAddr string
	for _, s := range services {
		h, _, err := net.SplitHostPort(s.Address)
		if err != nil || h != host {
			continue
		}
		switch s.Type {
		case bridge.ServicePairing:
			pairAddr = s.Address
		case bridge.ServiceConnect:
			connectAddr = s.Address
		}
	}
	if pairAddr == "" {
		return "", "", fmt.Errorf("no pairing endpoint advertised for %s", host)
	}
	if req.ConnectAddress != "" {
		connectAddr = req.ConnectAddress
	}
	if connectAddr == "" {
		connectAddr = net.JoinHostPort(host, strconv.Itoa(m.cfg.ConnectPort))
	}
	return pairAddr, connectAddr, nil
}

func (m *Machine) awaitCode(ctx context.Context, a *Attempt) (string, error) {
	timer := time.NewTimer(m.cfg.StepTimeout)
	defer timer.Stop()
	select {
	case code := <-a.codeCh:
		return code, nil
	case <-timer.C:
		return "", &types.TimeoutError{Op: "pairing awaiting code", Timeout: m.cfg.StepTimeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// awaitConnected waits until discovery reports id as Connected
func (m *Machine) awaitConnected(ctx context.Context, id string) error {
	devices, sub := m.reg.Watch()
	defer sub.Close()

	for _, d := range devices {
		if d.ID == id && d.State.Phase == types.PhaseConnected {
			return nil
		}
	}
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("registry closed")
			}
			if ev.Device.ID == id && ev.Kind != registry.EventRemoved && ev.Device.State.Phase == types.PhaseConnected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writePlaceholder marks a not-yet-known device as Pairing. An existing entry is left alone.
func (m *Machine) writePlaceholder(id string) bool {
	if _, err := m.reg.Get(id); err == nil {
		return false
	}
	if _, err := m.reg.Upsert(types.Device{ID: id, Kind: types.KindWirelessTCP, State: types.StateOf(types.PhasePairing)}); err != nil {
		m.logger.Warn().Err(err).Str("device", id).Msg("Failed to write pairing placeholder")
		return false
	}
	return true
}

func (m *Machine) dropPlaceholder(id string) {
	d, err := m.reg.Get(id)
	if err != nil || d.State.Phase != types.PhasePairing {
		return
	}
	_ = m.reg.Remove(id)
}

func (m *Machine) setStep(a *Attempt, s Step, reason string) {
	a.mu.Lock()
	a.info.Step = s
	a.info.Reason = reason
	a.info.UpdatedAt = m.now()
	ev := Event{AttemptID: a.info.ID, Address: a.info.Address, Step: s, Reason: reason, At: a.info.UpdatedAt}
	a.mu.Unlock()

	m.hub.Publish(ev)
	m.logger.Debug().Str("address", ev.Address).Str("step", string(s)).Msg("Pairing step")
}

func (m *Machine) finish(a *Attempt, s Step, reason string, err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	m.setStep(a, s, reason)

	ev := m.logger.Info()
	if s == StepFailed {
		ev = m.logger.Warn()
	}
	ev.Str("address", a.req.Address).Str("result", string(s)).Str("reason", reason).Msg("Pairing finished")
}

func failureReason(step Step, err error) string {
	var cmdErr *bridge.CommandError
	var te *types.TimeoutError
	var se *types.SpawnError
	switch {
	case errors.As(err, &cmdErr):
		return cmdErr.Reason
	case errors.As(err, &te):
		return fmt.Sprintf("timed out while %s", step)
	case errors.As(err, &se):
		return se.Error()
	}
	return err.Error()
}

func validateRequest(req Request) error {
	if req.Address == "" {
		return types.Rejectedf(types.RejectInvalidRequest, "address is required")
	}
	if err := types.ValidateDeviceID(req.Address); err != nil {
		return types.Rejectedf(types.RejectInvalidRequest, "address: %v", err)
	}
	if req.ConnectAddress != "" {
		if err := types.ValidateDeviceID(req.ConnectAddress); err != nil {
			return types.Rejectedf(types.RejectInvalidRequest, "connect address: %v", err)
		}
	}
	if req.Code != "" && !validCode(req.Code) {
		return types.Rejectedf(types.RejectInvalidRequest, "pairing code must be 6 digits")
	}
	return nil
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
