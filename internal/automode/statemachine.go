package automode

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is one auto-mode state.
type State string

const (
	StateIdle            State = "idle"
	StateInitializing    State = "initializing"
	StatePCSStandby      State = "pcs_standby"
	StatePCSInverter     State = "pcs_inverter"
	StateDCDCReset       State = "dcdc_reset"
	StateDCDCSolar       State = "dcdc_solar"
	StateNormalOperation State = "normal_operation"
	StateSOCHighWait     State = "soc_high_wait"
	StateSOCLowCharging  State = "soc_low_charging"
	StateStopping        State = "stopping"
	StateError           State = "error"
)

// Config holds the tunable auto-mode parameters. Updates apply to
// subsequent transitions; an in-flight timer keeps its original duration.
type Config struct {
	SOCHighThreshold       float64
	SOCLowThreshold        float64
	SOCChargeStopThreshold float64
	DCDCStandbyTime        time.Duration
	CommandInterval        time.Duration
	ChargingPower          float64
}

// ThresholdUpdate carries a threshold_config message. The three SOC
// thresholds are required; the rest are optional.
type ThresholdUpdate struct {
	SOCHigh         float64
	SOCLow          float64
	SOCChargeStop   float64
	DCDCStandbyTime *time.Duration
	CommandInterval *time.Duration
	ChargingPower   *float64
}

// Callback observes every transition in order.
type Callback func(prev, next State, trigger string)

type event struct {
	name string
	soc  float64
	to   State
	gen  uint64
}

type rule struct {
	from State // "" matches any state
	to   State
}

// Immediate transitions by trigger name.
var rules = map[string][]rule{
	"start_auto":      {{from: StateIdle, to: StateInitializing}},
	"init_complete":   {{from: StateInitializing, to: StatePCSStandby}},
	"pcs_ready":       {{from: StatePCSInverter, to: StateDCDCReset}},
	"dcdc_skip":       {{from: StateDCDCReset, to: StateDCDCSolar}},
	"dcdc_ready":      {{from: StateDCDCSolar, to: StateNormalOperation}},
	"charge_complete": {{from: StateSOCLowCharging, to: StateNormalOperation}},
	"stop_auto":       {{to: StateStopping}},
	"stop_complete":   {{from: StateStopping, to: StateIdle}},
	"error":           {{to: StateError}},
	"reset_error":     {{from: StateError, to: StateIdle}},
	"force_reset":     {{to: StateIdle}},
}

// Machine is the auto-mode state machine. A single goroutine consumes
// the event queue, so transitions are totally ordered and callbacks see
// a consistent (prev, next, trigger) sequence. At most one delayed
// transition is pending at any time.
type Machine struct {
	mu    sync.Mutex
	cfg   Config
	state State
	prev  State
	since time.Time

	events   chan event
	timer    *time.Timer
	timerGen uint64
	pending  State

	callbacks []Callback
}

func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg:    cfg,
		state:  StateIdle,
		prev:   StateIdle,
		since:  time.Now(),
		events: make(chan event, 64),
	}
}

// OnStateChange registers a transition callback. Register before Run.
func (m *Machine) OnStateChange(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// Run processes events until ctx is cancelled. It must be running for
// triggers to take effect.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelTimerLocked()
			m.mu.Unlock()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Trigger enqueues a named event.
func (m *Machine) Trigger(name string) {
	m.enqueue(event{name: name})
}

// TriggerSOC enqueues a soc_update event.
func (m *Machine) TriggerSOC(soc float64) {
	m.enqueue(event{name: "soc_update", soc: soc})
}

func (m *Machine) enqueue(ev event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("auto mode: event queue full, dropping %s", ev.name)
	}
}

// StartAuto requests the start sequence. From error or stopping the
// machine resets to idle first; any other non-idle state refuses.
func (m *Machine) StartAuto() error {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	switch st {
	case StateIdle:
		m.Trigger("start_auto")
		return nil
	case StateError, StateStopping:
		log.Printf("auto mode: resetting from %s before start", st)
		m.Trigger("force_reset")
		m.Trigger("start_auto")
		return nil
	default:
		return fmt.Errorf("auto mode already running (state %s)", st)
	}
}

// StopAuto requests the stop sequence. Stopping an idle machine is a
// no-op success.
func (m *Machine) StopAuto() error {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	if st == StateIdle {
		return nil
	}
	m.Trigger("stop_auto")
	return nil
}

func (m *Machine) handle(ev event) {
	switch ev.name {
	case "soc_update":
		m.handleSOC(ev.soc)
	case "timer":
		m.mu.Lock()
		live := ev.gen == m.timerGen && m.pending == ev.to
		if live {
			m.pending = ""
			m.timer = nil
		}
		m.mu.Unlock()
		if live {
			m.transition(ev.to, "timer")
		}
	default:
		m.mu.Lock()
		cur := m.state
		m.mu.Unlock()
		for _, r := range rules[ev.name] {
			if r.from == "" || r.from == cur {
				m.transition(r.to, ev.name)
				return
			}
		}
	}
}

// handleSOC applies the SOC thresholds. Only normal operation reacts.
func (m *Machine) handleSOC(soc float64) {
	m.mu.Lock()
	cur := m.state
	cfg := m.cfg
	m.mu.Unlock()
	if cur != StateNormalOperation {
		return
	}
	switch {
	case soc >= cfg.SOCHighThreshold:
		m.transition(StateSOCHighWait, "soc_high")
	case soc <= cfg.SOCLowThreshold:
		m.transition(StateSOCLowCharging, "soc_low")
	}
}

func (m *Machine) transition(to State, trigger string) {
	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return
	}
	m.cancelTimerLocked()
	prev := m.state
	m.prev = prev
	m.state = to
	m.since = time.Now()
	cfg := m.cfg
	cbs := m.callbacks
	m.mu.Unlock()

	log.Printf("auto mode: %s -> %s (%s)", prev, to, trigger)
	for _, cb := range cbs {
		cb(prev, to, trigger)
	}

	// States with a built-in delayed follow-up schedule it on entry.
	switch to {
	case StatePCSStandby:
		m.schedule(StatePCSInverter, cfg.CommandInterval)
	case StateDCDCReset:
		m.schedule(StateDCDCSolar, cfg.CommandInterval)
	case StateSOCHighWait:
		m.schedule(StateNormalOperation, cfg.DCDCStandbyTime)
	}
}

// schedule arms the single delayed transition, replacing any pending one.
func (m *Machine) schedule(to State, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The entry transition may have been pre-empted before scheduling ran.
	if m.state == to {
		return
	}
	m.cancelTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.pending = to
	m.timer = time.AfterFunc(delay, func() {
		m.enqueue(event{name: "timer", to: to, gen: gen})
	})
}

func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = ""
	m.timerGen++
}

// Current returns the active state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingTransition returns the target of the armed timer, if any.
func (m *Machine) PendingTransition() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, m.pending != ""
}

// Active reports whether the machine is in a running state.
func (m *Machine) Active() bool {
	switch m.Current() {
	case StateIdle, StateError, StateStopping:
		return false
	}
	return true
}

// Config returns a copy of the current parameters.
func (m *Machine) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateThresholds validates and applies a threshold update. New values
// affect subsequent transitions only.
func (m *Machine) UpdateThresholds(u ThresholdUpdate) error {
	if u.SOCLow >= u.SOCHigh {
		return fmt.Errorf("soc_low_threshold (%.1f) must be below soc_high_threshold (%.1f)", u.SOCLow, u.SOCHigh)
	}
	if u.SOCChargeStop <= u.SOCLow || u.SOCChargeStop >= u.SOCHigh {
		return fmt.Errorf("soc_charge_stop_threshold (%.1f) must lie between low and high", u.SOCChargeStop)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.SOCHighThreshold = u.SOCHigh
	m.cfg.SOCLowThreshold = u.SOCLow
	m.cfg.SOCChargeStopThreshold = u.SOCChargeStop
	if u.DCDCStandbyTime != nil {
		m.cfg.DCDCStandbyTime = *u.DCDCStandbyTime
	}
	if u.CommandInterval != nil {
		m.cfg.CommandInterval = *u.CommandInterval
	}
	if u.ChargingPower != nil {
		m.cfg.ChargingPower = *u.ChargingPower
	}
	return nil
}

// Status reports the machine state for the status topics.
func (m *Machine) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"current_state":          string(m.state),
		"previous_state":         string(m.prev),
		"state_duration_seconds": time.Since(m.since).Seconds(),
		"is_active":              m.state != StateIdle && m.state != StateError && m.state != StateStopping,
		"config": map[string]any{
			"soc_high_threshold":        m.cfg.SOCHighThreshold,
			"soc_low_threshold":         m.cfg.SOCLowThreshold,
			"soc_charge_stop_threshold": m.cfg.SOCChargeStopThreshold,
			"dcdc_standby_time":         m.cfg.DCDCStandbyTime.Seconds(),
			"command_interval":          m.cfg.CommandInterval.Seconds(),
			"charging_power":            m.cfg.ChargingPower,
		},
	}
}
