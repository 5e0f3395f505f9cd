package automode

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"pms-supervisor/internal/cache"
	"pms-supervisor/internal/device"
)

// cmdExecute is the device-specific "execute command" token written to
// the sequence control registers. It is an opaque vendor value, not a
// bit field.
const cmdExecute = 85

// Commander is the write surface the controller needs from a handler.
type Commander interface {
	WriteRegister(name string, value uint16) error
}

// Controller binds the state machine to the device handlers: it turns
// state entries into register writes and feeds SOC updates back in.
type Controller struct {
	machine *Machine
	store   *cache.Store

	pcs     Commander
	dcdc    Commander
	bms     Commander
	bmsName string

	socInterval time.Duration
	chargePause time.Duration
	chargePoll  time.Duration

	mu         sync.Mutex
	lastSOC    float64
	monitorCtx context.Context
	monitorEnd context.CancelFunc
}

// NewController wires machine, cache and handlers. dcdc may be nil; the
// sequence skips the DCDC steps then.
func NewController(machine *Machine, store *cache.Store, pcs, dcdc, bms Commander, bmsName string, socInterval time.Duration) *Controller {
	if socInterval <= 0 {
		socInterval = 2 * time.Second
	}
	c := &Controller{
		machine:     machine,
		store:       store,
		pcs:         pcs,
		dcdc:        dcdc,
		bms:         bms,
		bmsName:     bmsName,
		socInterval: socInterval,
		chargePause: 5 * time.Second,
		chargePoll:  2 * time.Second,
	}
	machine.OnStateChange(c.onStateChange)
	return c
}

// Machine exposes the underlying state machine.
func (c *Controller) Machine() *Machine { return c.machine }

// StartAuto checks the required devices, starts SOC monitoring and kicks
// the machine.
func (c *Controller) StartAuto() error {
	if c.pcs == nil || c.bms == nil {
		return errMissingDevices(c.pcs == nil, c.bms == nil)
	}
	c.startSOCMonitor()
	if err := c.machine.StartAuto(); err != nil {
		c.stopSOCMonitor()
		return err
	}
	return nil
}

// StopAuto stops SOC monitoring and the machine.
func (c *Controller) StopAuto() error {
	c.stopSOCMonitor()
	return c.machine.StopAuto()
}

// LastSOC returns the most recent SOC seen by the monitor.
func (c *Controller) LastSOC() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSOC
}

// Status aggregates machine and device availability.
func (c *Controller) Status() map[string]any {
	return map[string]any{
		"auto_mode": c.machine.Status(),
		"last_soc":  c.LastSOC(),
		"devices": map[string]any{
			"pcs_available":  c.pcs != nil,
			"dcdc_available": c.dcdc != nil,
			"bms_available":  c.bms != nil,
		},
	}
}

func (c *Controller) onStateChange(prev, next State, trigger string) {
	switch next {
	case StateInitializing:
		if c.pcs == nil || c.bms == nil {
			log.Printf("auto mode: required handlers missing")
			c.machine.Trigger("error")
			return
		}
		c.machine.Trigger("init_complete")

	case StatePCSStandby:
		c.writeOrError(c.pcs, "pcs_standby_start", cmdExecute)

	case StatePCSInverter:
		if c.writeOrError(c.pcs, "inv_start_mode", cmdExecute) {
			c.machine.Trigger("pcs_ready")
		}

	case StateDCDCReset:
		if c.dcdc == nil {
			log.Printf("auto mode: no DCDC handler, skipping reset step")
			c.machine.Trigger("dcdc_skip")
			return
		}
		c.writeOrError(c.dcdc, "reset_command", cmdExecute)

	case StateDCDCSolar:
		if c.dcdc == nil {
			c.machine.Trigger("dcdc_ready")
			return
		}
		if c.writeOrError(c.dcdc, "solar_command", cmdExecute) {
			c.machine.Trigger("dcdc_ready")
		}

	case StateSOCHighWait:
		if c.dcdc != nil {
			if err := c.dcdc.WriteRegister("ready_standby_command", cmdExecute); err != nil {
				log.Printf("auto mode: dcdc standby command: %v", err)
			}
		}

	case StateNormalOperation:
		// Returning from the high-SOC wait puts the DCDC back into solar
		// generation.
		if prev == StateSOCHighWait && c.dcdc != nil {
			if err := c.dcdc.WriteRegister("solar_command", cmdExecute); err != nil {
				log.Printf("auto mode: dcdc solar restore: %v", err)
			}
		}

	case StateSOCLowCharging:
		go c.chargeSequence()

	case StateStopping:
		c.handleStopping()
	}
}

// writeOrError issues one sequence write; a failure faults the machine.
func (c *Controller) writeOrError(dev Commander, register string, value uint16) bool {
	if dev == nil {
		return false
	}
	if err := dev.WriteRegister(register, value); err != nil {
		log.Printf("auto mode: write %s: %v", register, err)
		c.machine.Trigger("error")
		return false
	}
	return true
}

// chargeSequence runs the SOC-low charge script: stop, standby, charge
// start, power setpoint, then cached-SOC polling until the charge-stop
// threshold exits back to normal operation.
func (c *Controller) chargeSequence() {
	steps := []string{"pcs_stop", "pcs_standby_start"}
	for _, reg := range steps {
		if err := c.pcs.WriteRegister(reg, cmdExecute); err != nil {
			log.Printf("auto mode: charge sequence %s: %v", reg, err)
			c.machine.Trigger("error")
			return
		}
		time.Sleep(c.chargePause)
		if c.machine.Current() != StateSOCLowCharging {
			return
		}
	}
	if err := c.pcs.WriteRegister("pcs_charge_start", cmdExecute); err != nil {
		log.Printf("auto mode: charge start: %v", err)
		c.machine.Trigger("error")
		return
	}
	power := uint16(math.Round(c.machine.Config().ChargingPower * 10)) // 0.1 kW scale
	if err := c.pcs.WriteRegister("battery_charge_power", power); err != nil {
		log.Printf("auto mode: charge power: %v", err)
		c.machine.Trigger("error")
		return
	}

	for c.machine.Current() == StateSOCLowCharging {
		if c.LastSOC() >= c.machine.Config().SOCChargeStopThreshold {
			log.Printf("auto mode: charge stop threshold reached (%.1f%%)", c.LastSOC())
			if err := c.pcs.WriteRegister("pcs_stop", cmdExecute); err != nil {
				log.Printf("auto mode: charge stop: %v", err)
			}
			time.Sleep(c.chargePause)
			if err := c.pcs.WriteRegister("inv_start_mode", cmdExecute); err != nil {
				log.Printf("auto mode: inverter restart: %v", err)
			}
			c.machine.Trigger("charge_complete")
			return
		}
		time.Sleep(c.chargePoll)
	}
}

// handleStopping returns both devices to manual operation.
func (c *Controller) handleStopping() {
	if c.pcs != nil {
		if err := c.pcs.WriteRegister("inv_start_mode", cmdExecute); err != nil {
			log.Printf("auto mode: stop pcs: %v", err)
		}
	}
	if c.dcdc != nil {
		if err := c.dcdc.WriteRegister("solar_command", cmdExecute); err != nil {
			log.Printf("auto mode: stop dcdc: %v", err)
		}
	}
	c.machine.Trigger("stop_complete")
}

func (c *Controller) startSOCMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitorEnd != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCtx = ctx
	c.monitorEnd = cancel
	go c.socMonitorLoop(ctx)
}

func (c *Controller) stopSOCMonitor() {
	c.mu.Lock()
	cancel := c.monitorEnd
	c.monitorEnd = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// socMonitorLoop reads the cached BMS reading and forwards SOC changes
// above the dead-band to the machine. Scale was already applied by the
// processor, so the cached value is consumed as-is.
func (c *Controller) socMonitorLoop(ctx context.Context) {
	const maxMisses = 5
	misses := 0
	ticker := time.NewTicker(c.socInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		soc, ok := c.cachedSOC()
		if !ok {
			misses++
			if misses >= maxMisses {
				log.Printf("auto mode: no BMS SOC data for %d consecutive checks", misses)
				misses = 0
			}
			continue
		}
		misses = 0
		if soc < 0 || soc > 100 {
			log.Printf("auto mode: SOC %.1f%% out of range, ignoring", soc)
			continue
		}
		c.mu.Lock()
		changed := math.Abs(soc-c.lastSOC) > 0.1
		if changed {
			c.lastSOC = soc
		}
		c.mu.Unlock()
		if changed {
			c.machine.TriggerSOC(soc)
		}
	}
}

func (c *Controller) cachedSOC() (float64, bool) {
	if c.store == nil {
		return 0, false
	}
	reading := c.store.Reading(c.bmsName)
	if reading == nil {
		return 0, false
	}
	f, ok := reading.Data["battery_soc"].(device.Field)
	if !ok {
		return 0, false
	}
	v, ok := f.Value.(float64)
	return v, ok
}

type missingDevicesError struct {
	pcs, bms bool
}

func errMissingDevices(pcs, bms bool) error {
	return missingDevicesError{pcs: pcs, bms: bms}
}

func (e missingDevicesError) Error() string {
	switch {
	case e.pcs && e.bms:
		return "auto mode requires PCS and BMS handlers"
	case e.pcs:
		return "auto mode requires a PCS handler"
	default:
		return "auto mode requires a BMS handler"
	}
}
