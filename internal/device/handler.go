package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"pms-supervisor/internal/cache"
	"pms-supervisor/internal/config"
	"pms-supervisor/internal/regmap"
)

// Permanent failures returned to callers without touching the connection.
var (
	ErrUnknownRegister  = errors.New("unknown register")
	ErrReadOnlyRegister = errors.New("register is read-only")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Publisher is the outbound side of the MQTT transport seen by a handler.
type Publisher interface {
	Publish(topic string, payload any) bool
	Connected() bool
}

// Handler owns the Modbus/TCP connection of one configured device and
// serialises every operation on it. The three device kinds (BMS, DCDC,
// PCS) share this type; they differ only in register map and verb table.
type Handler struct {
	cfg     config.Device
	timeout time.Duration
	regs    *regmap.Map

	mu        sync.Mutex
	transport *mb.TCPClientHandler
	client    mb.Client
	connected bool
	lastRead  time.Time
}

func NewHandler(cfg config.Device, regs *regmap.Map, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Handler{cfg: cfg, timeout: timeout, regs: regs}
}

func (h *Handler) Name() string     { return h.cfg.Name }
func (h *Handler) Type() string     { return h.cfg.Type }
func (h *Handler) Map() *regmap.Map { return h.regs }

// PollInterval returns the configured polling cadence.
func (h *Handler) PollInterval() time.Duration { return h.cfg.PollInterval }

// Connected reports whether the TCP connection is currently up.
func (h *Handler) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// EnsureConnected idempotently opens the TCP connection.
func (h *Handler) EnsureConnected() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureLocked()
}

func (h *Handler) ensureLocked() error {
	if h.connected {
		return nil
	}
	if h.transport == nil {
		t := mb.NewTCPClientHandler(h.cfg.Addr())
		t.Timeout = h.timeout
		t.SlaveId = h.cfg.SlaveID
		h.transport = t
		h.client = mb.NewClient(t)
	}
	if err := h.transport.Connect(); err != nil {
		h.transport = nil
		h.client = nil
		return fmt.Errorf("connect %s: %w", h.cfg.Addr(), err)
	}
	h.connected = true
	return nil
}

// dropLocked tears the connection down after a transport failure.
// The next poll tick re-establishes it.
func (h *Handler) dropLocked() {
	if h.transport != nil {
		h.transport.Close()
	}
	h.transport = nil
	h.client = nil
	h.connected = false
}

// ReadData sweeps every readable register in the map and returns the raw
// values. A per-register Modbus exception is skipped; a transport error
// drops the connection and yields a nil map.
func (h *Handler) ReadData() map[string]int64 {
	if err := h.EnsureConnected(); err != nil {
		log.Printf("%s read: %v", h.cfg.Name, err)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil
	}

	raw := make(map[string]int64)
	for _, spec := range h.regs.Readable() {
		data, err := h.readLocked(spec)
		if err != nil {
			var mbErr *mb.ModbusError
			if errors.As(err, &mbErr) {
				// Device rejected this register; the sweep continues.
				continue
			}
			log.Printf("%s read %s: %v", h.cfg.Name, spec.Name, err)
			h.dropLocked()
			return nil
		}
		v, err := decodeRegisters(data, spec)
		if err != nil {
			log.Printf("%s decode %s: %v", h.cfg.Name, spec.Name, err)
			continue
		}
		raw[spec.Name] = v
	}
	if len(raw) == 0 {
		return nil
	}
	h.lastRead = time.Now()
	return raw
}

func (h *Handler) readLocked(spec *regmap.Spec) ([]byte, error) {
	qty := uint16(spec.RegisterCount)
	switch spec.FunctionCode {
	case regmap.FuncReadInput:
		return h.client.ReadInputRegisters(spec.Address, qty)
	default:
		return h.client.ReadHoldingRegisters(spec.Address, qty)
	}
}

// decodeRegisters converts a big-endian register payload to a raw value.
// Two-register reads combine as high<<16 | low; signed types apply
// two's-complement conversion.
func decodeRegisters(data []byte, spec *regmap.Spec) (int64, error) {
	if spec.RegisterCount == 2 {
		if len(data) < 4 {
			return 0, fmt.Errorf("short response (%d bytes)", len(data))
		}
		u := uint32(binary.BigEndian.Uint16(data[:2]))<<16 | uint32(binary.BigEndian.Uint16(data[2:4]))
		if spec.DataType == "int32" {
			return int64(int32(u)), nil
		}
		return int64(u), nil
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("short response (%d bytes)", len(data))
	}
	u := binary.BigEndian.Uint16(data[:2])
	if spec.DataType == "int16" {
		return int64(int16(u)), nil
	}
	return int64(u), nil
}

// WriteRegister writes a single register by map name. Unknown names and
// non-writable registers fail without touching the connection.
func (h *Handler) WriteRegister(name string, value uint16) error {
	spec, ok := h.regs.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	if !spec.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyRegister, name)
	}
	if err := h.EnsureConnected(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return fmt.Errorf("%s: not connected", h.cfg.Name)
	}
	log.Printf("%s write %s (addr %d) = %d", h.cfg.Name, name, spec.Address, value)
	if _, err := h.client.WriteSingleRegister(spec.Address, value); err != nil {
		h.dropLocked()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Close tears down the connection. The handler stays usable; the next
// operation reconnects.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked()
}

// TelemetryTopic is the topic the handler publishes readings on.
func (h *Handler) TelemetryTopic(base string) string {
	return fmt.Sprintf("%s/%s/%s/data", base, h.cfg.Type, h.cfg.Name)
}

// PollAndPublish is the top-level polling pipeline:
// read -> process -> cache update -> enqueue publish.
// A nil reading records an error status in the cache and skips publishing.
func (h *Handler) PollAndPublish(store *cache.Store, pub Publisher, baseTopic string) {
	raw := h.ReadData()
	if raw == nil {
		store.UpdateStatus(h.cfg.Name, false, "read failed", nil)
		return
	}

	processed := Process(raw, h.regs, h.cfg.Type)
	reading := &cache.Reading{
		DeviceName: h.cfg.Name,
		DeviceType: h.cfg.Type,
		IPAddress:  h.cfg.IP,
		Timestamp:  time.Now(),
		Data:       processed,
	}
	store.UpdateReading(h.cfg.Name, reading)

	h.mu.Lock()
	last := h.lastRead
	connected := h.connected
	h.mu.Unlock()
	store.UpdateStatus(h.cfg.Name, connected, "", &last)

	if !pub.Connected() {
		log.Printf("%s publish skipped: broker disconnected", h.cfg.Name)
		return
	}
	if !pub.Publish(h.TelemetryTopic(baseTopic), reading) {
		log.Printf("%s publish enqueue failed", h.cfg.Name)
	}
}

// Status summarises the handler for status consumers.
func (h *Handler) Status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := map[string]any{
		"name":          h.cfg.Name,
		"type":          h.cfg.Type,
		"ip":            h.cfg.IP,
		"port":          h.cfg.Port,
		"connected":     h.connected,
		"poll_interval": h.cfg.PollInterval.Seconds(),
	}
	if !h.lastRead.IsZero() {
		st["last_successful_read"] = h.lastRead.Format(time.RFC3339)
	}
	return st
}

// FindRegisterByAddress resolves a raw address against the device map.
func (h *Handler) FindRegisterByAddress(addr uint16) (string, bool) {
	return h.regs.FindByAddress(addr)
}

// Device-specific command verbs. The magic execute token and reset codes
// are opaque values from the vendor register maps.

const resetMagic = 0x0050

// DCContactor drives the BMS DC contactor.
func (h *Handler) DCContactor(on bool) error {
	var v uint16
	if on {
		v = 1
	}
	return h.WriteRegister("dc_contactor_control", v)
}

// ResetErrors clears latched BMS errors.
func (h *Handler) ResetErrors() error {
	return h.WriteRegister("error_reset", resetMagic)
}

// ResetSystemLock clears the BMS system lock.
func (h *Handler) ResetSystemLock() error {
	return h.WriteRegister("system_lock_reset", resetMagic)
}

// ResetFaults clears latched DCDC/PCS faults.
func (h *Handler) ResetFaults() error {
	return h.WriteRegister("fault_reset", 1)
}

var dcdcModes = map[string]uint16{
	"stop":        0,
	"standby":     1,
	"charge":      2,
	"discharge":   3,
	"independent": 4,
}

var pcsModes = map[string]uint16{
	"stop":        0,
	"charge":      1,
	"discharge":   2,
	"standby":     3,
	"independent": 4,
}

// SetOperationMode selects the DCDC/PCS operating mode by name.
func (h *Handler) SetOperationMode(mode string) error {
	var modes map[string]uint16
	switch h.cfg.Type {
	case "DCDC":
		modes = dcdcModes
	case "PCS":
		modes = pcsModes
	default:
		return fmt.Errorf("%s: operation mode not supported", h.cfg.Type)
	}
	v, ok := modes[mode]
	if !ok {
		return fmt.Errorf("unsupported operation mode %q", mode)
	}
	return h.WriteRegister("operation_mode_control", v)
}

// writeScaled writes an engineering value divided by the register's scale.
func (h *Handler) writeScaled(name string, value float64) error {
	spec, ok := h.regs.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	scaled := value / spec.Scale
	if scaled < 0 || scaled > math.MaxUint16 {
		return fmt.Errorf("value %g out of range for %s", value, name)
	}
	return h.WriteRegister(name, uint16(math.Round(scaled)))
}

// SetCurrentReference sets the DCDC output current setpoint in amperes.
func (h *Handler) SetCurrentReference(amps float64) error {
	return h.writeScaled("current_reference", amps)
}

// SetVoltageReference sets the DCDC output voltage setpoint in volts.
func (h *Handler) SetVoltageReference(volts float64) error {
	return h.writeScaled("voltage_reference", volts)
}

// SetPowerReference sets the PCS power setpoint in kW.
func (h *Handler) SetPowerReference(kw float64) error {
	return h.writeScaled("power_reference", kw)
}

// HandleControlMessage dispatches a decoded MQTT control payload to the
// device verb table.
func (h *Handler) HandleControlMessage(payload map[string]any) error {
	command, _ := payload["command"].(string)
	params, _ := payload["params"].(map[string]any)
	if params == nil {
		params = payload
	}

	switch h.cfg.Type {
	case "BMS":
		switch command {
		case "dc_contactor":
			enable := true
			if v, ok := params["enable"].(bool); ok {
				enable = v
			}
			return h.DCContactor(enable)
		case "reset_errors":
			return h.ResetErrors()
		case "reset_system_lock":
			return h.ResetSystemLock()
		}
	case "DCDC":
		switch command {
		case "set_operation_mode":
			mode, _ := params["mode"].(string)
			return h.SetOperationMode(mode)
		case "set_current_reference":
			v, err := numericParam(params, "current")
			if err != nil {
				return err
			}
			return h.SetCurrentReference(v)
		case "set_voltage_reference":
			v, err := numericParam(params, "voltage")
			if err != nil {
				return err
			}
			return h.SetVoltageReference(v)
		case "reset_faults":
			return h.ResetFaults()
		}
	case "PCS":
		switch command {
		case "set_operation_mode":
			mode, _ := params["mode"].(string)
			return h.SetOperationMode(mode)
		case "set_power_reference":
			v, err := numericParam(params, "power")
			if err != nil {
				return err
			}
			return h.SetPowerReference(v)
		case "reset_faults":
			return h.ResetFaults()
		}
	}
	return fmt.Errorf("%w: %s %q", ErrUnknownCommand, h.cfg.Type, command)
}

func numericParam(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q", key, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("missing %s value", key)
}
