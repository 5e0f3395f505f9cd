package automode

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// OperationMode selects between manual (basic) and automatic control.
type OperationMode string

const (
	ModeBasic OperationMode = "basic"
	ModeAuto  OperationMode = "auto"
)

// Transport is the MQTT surface the manager uses.
type Transport interface {
	Publish(topic string, payload any) bool
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Connected() bool
}

// ControlDevice accepts basic-mode control payloads.
type ControlDevice interface {
	HandleControlMessage(payload map[string]any) error
}

// statusInterval is the cadence of the periodic threshold status topic.
const statusInterval = 30 * time.Second

// Manager owns the operation mode and the auto-mode controller, handles
// the location-scoped control topics and publishes status.
type Manager struct {
	baseTopic   string
	location    string
	autoEnabled bool

	ctrl     *Controller
	recovery *Recovery
	devices  map[string]ControlDevice
	tr       Transport

	mu   sync.Mutex
	mode OperationMode

	topics map[string]string

	statusEvery time.Duration
}

func NewManager(baseTopic, location string, autoEnabled bool, ctrl *Controller, recovery *Recovery, devices map[string]ControlDevice, tr Transport) *Manager {
	m := &Manager{
		baseTopic:   baseTopic,
		location:    location,
		autoEnabled: autoEnabled,
		ctrl:        ctrl,
		recovery:    recovery,
		devices:     devices,
		tr:          tr,
		mode:        ModeBasic,
		statusEvery: statusInterval,
	}
	m.topics = map[string]string{
		"operation_mode":   m.controlTopic("operation_mode"),
		"auto_start":       m.controlTopic("auto_mode/start"),
		"auto_stop":        m.controlTopic("auto_mode/stop"),
		"auto_status":      m.controlTopic("auto_mode/status"),
		"manual_control":   m.controlTopic("basic_mode"),
		"threshold_config": m.controlTopic("threshold_config"),
		"status":           fmt.Sprintf("%s/status/%s/operation_mode", baseTopic, location),
		"threshold_status": fmt.Sprintf("%s/status/%s/threshold_config", baseTopic, location),
	}
	return m
}

func (m *Manager) controlTopic(suffix string) string {
	return fmt.Sprintf("%s/control/%s/%s", m.baseTopic, m.location, suffix)
}

// ControlTopics lists the subscribed control topics.
func (m *Manager) ControlTopics() []string {
	return []string{
		m.topics["operation_mode"],
		m.topics["auto_start"],
		m.topics["auto_stop"],
		m.topics["auto_status"],
		m.topics["manual_control"],
		m.topics["threshold_config"],
	}
}

// Start subscribes the control topics, publishes the initial status and
// launches the periodic status publisher plus the recovery watchdog.
func (m *Manager) Start(ctx context.Context) {
	for _, topic := range m.ControlTopics() {
		if err := m.tr.Subscribe(topic, 0); err != nil {
			log.Printf("operation manager: subscribe %s: %v", topic, err)
		}
	}
	m.publishStatus()
	m.publishThresholdStatus()

	go m.statusLoop(ctx)
	if m.recovery != nil {
		go m.recovery.Run(ctx)
	}
}

func (m *Manager) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(m.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishThresholdStatus()
		}
	}
}

// Mode returns the current operation mode.
func (m *Manager) Mode() OperationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// HandleModeMessage dispatches the mode/threshold topics forwarded by the
// command router.
func (m *Manager) HandleModeMessage(topic string, payload map[string]any) {
	if !m.locationMatches(payload) {
		return
	}
	switch {
	case topic == m.topics["operation_mode"]:
		m.handleOperationMode(payload)
	case topic == m.topics["auto_start"]:
		m.handleAutoStart()
	case topic == m.topics["auto_stop"]:
		m.handleAutoStop()
	case topic == m.topics["auto_status"]:
		m.respond(m.Status())
	case topic == m.topics["manual_control"]:
		m.handleManualControl(payload)
	case topic == m.topics["threshold_config"]:
		m.handleThresholdConfig(payload)
	default:
		log.Printf("operation manager: unhandled topic %s", topic)
	}
}

// locationMatches filters messages for other sites. A message without a
// location is accepted for compatibility.
func (m *Manager) locationMatches(payload map[string]any) bool {
	loc, ok := payload["location"].(string)
	if !ok || loc == "" || m.location == "" {
		return true
	}
	if loc != m.location {
		log.Printf("operation manager: ignoring message for location %q", loc)
		return false
	}
	return true
}

func (m *Manager) handleOperationMode(payload map[string]any) {
	mode, _ := payload["mode"].(string)
	switch strings.ToLower(mode) {
	case string(ModeBasic):
		m.setBasicMode()
	case string(ModeAuto):
		m.setAutoMode()
	default:
		m.respondError(fmt.Sprintf("unsupported operation mode %q", mode))
	}
	m.publishStatus()
	m.publishThresholdStatus()
}

func (m *Manager) setBasicMode() {
	msg := "switched to basic mode"
	if m.Mode() == ModeAuto {
		if err := m.ctrl.StopAuto(); err != nil {
			log.Printf("operation manager: stopping auto mode: %v", err)
			msg = "auto mode stop failed; forced basic mode"
		}
	}
	m.mu.Lock()
	m.mode = ModeBasic
	m.mu.Unlock()
	m.respond(map[string]any{
		"command":      "set_mode_basic",
		"success":      true,
		"message":      msg,
		"current_mode": string(ModeBasic),
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) setAutoMode() {
	if !m.autoEnabled {
		m.respondError("auto mode is disabled in the configuration")
		return
	}
	m.mu.Lock()
	m.mode = ModeAuto
	m.mu.Unlock()
	m.respond(map[string]any{
		"command":      "set_mode_auto",
		"success":      true,
		"message":      "switched to auto mode",
		"current_mode": string(ModeAuto),
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) handleAutoStart() {
	if m.Mode() != ModeAuto {
		m.setAutoMode()
		if m.Mode() != ModeAuto {
			return
		}
	}
	err := m.ctrl.StartAuto()
	resp := map[string]any{
		"command":          "auto_start",
		"success":          err == nil,
		"timestamp":        time.Now().Format(time.RFC3339),
		"auto_mode_status": m.ctrl.Status(),
	}
	if err != nil {
		resp["message"] = err.Error()
	} else {
		resp["message"] = "auto mode started"
	}
	m.respond(resp)
	m.publishStatus()
}

func (m *Manager) handleAutoStop() {
	err := m.ctrl.StopAuto()
	resp := map[string]any{
		"command":          "auto_stop",
		"success":          err == nil,
		"timestamp":        time.Now().Format(time.RFC3339),
		"auto_mode_status": m.ctrl.Status(),
	}
	if err != nil {
		resp["message"] = err.Error()
	} else {
		resp["message"] = "auto mode stopped"
	}
	m.respond(resp)
	m.publishStatus()
}

func (m *Manager) handleManualControl(payload map[string]any) {
	if m.Mode() == ModeAuto {
		m.respondError("manual control is not allowed in auto mode")
		return
	}
	deviceName, _ := payload["device_name"].(string)
	command, _ := payload["command"].(string)
	if deviceName == "" || command == "" {
		m.respondError("missing device_name or command")
		return
	}
	dev, ok := m.devices[deviceName]
	if !ok {
		m.respondError(fmt.Sprintf("device %q not found", deviceName))
		return
	}
	msg := map[string]any{"command": command}
	if params, ok := payload["params"].(map[string]any); ok {
		msg["params"] = params
	}
	if err := dev.HandleControlMessage(msg); err != nil {
		m.respondError(fmt.Sprintf("%s: %v", deviceName, err))
	}
}

func (m *Manager) handleThresholdConfig(payload map[string]any) {
	update, err := parseThresholdUpdate(payload)
	if err == nil {
		err = m.ctrl.Machine().UpdateThresholds(update)
	}
	resp := map[string]any{
		"command":   "threshold_config",
		"success":   err == nil,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err != nil {
		resp["message"] = err.Error()
	} else {
		resp["message"] = "thresholds updated"
	}
	m.respond(resp)
	m.publishThresholdStatus()
}

func parseThresholdUpdate(payload map[string]any) (ThresholdUpdate, error) {
	var u ThresholdUpdate
	var err error
	if u.SOCHigh, err = floatField(payload, "soc_high_threshold"); err != nil {
		return u, err
	}
	if u.SOCLow, err = floatField(payload, "soc_low_threshold"); err != nil {
		return u, err
	}
	if u.SOCChargeStop, err = floatField(payload, "soc_charge_stop_threshold"); err != nil {
		return u, err
	}
	if v, ok := payload["dcdc_standby_time"].(float64); ok {
		d := time.Duration(v * float64(time.Second))
		u.DCDCStandbyTime = &d
	}
	if v, ok := payload["command_interval"].(float64); ok {
		d := time.Duration(v * float64(time.Second))
		u.CommandInterval = &d
	}
	if v, ok := payload["charging_power"].(float64); ok {
		u.ChargingPower = &v
	}
	return u, nil
}

func floatField(payload map[string]any, key string) (float64, error) {
	v, ok := payload[key].(float64)
	if !ok {
		return 0, fmt.Errorf("missing required threshold %s", key)
	}
	return v, nil
}

// Status builds the operation-mode status payload.
func (m *Manager) Status() map[string]any {
	mode := m.Mode()
	ctrlStatus := m.ctrl.Status()
	auto, _ := ctrlStatus["auto_mode"].(map[string]any)

	deviceNames := make([]string, 0, len(m.devices))
	for name := range m.devices {
		deviceNames = append(deviceNames, name)
	}

	return map[string]any{
		"current_mode": string(mode),
		"timestamp":    time.Now().Format(time.RFC3339),
		"manual_mode": map[string]any{
			"active":            mode == ModeBasic,
			"available_devices": deviceNames,
		},
		"auto_mode": map[string]any{
			"active":                 m.ctrl.Machine().Active(),
			"available":              m.autoEnabled,
			"current_state":          auto["current_state"],
			"state_duration_seconds": auto["state_duration_seconds"],
			"config":                 auto["config"],
			"last_soc":               ctrlStatus["last_soc"],
			"devices":                ctrlStatus["devices"],
		},
		"location": m.location,
	}
}

func (m *Manager) publishStatus() {
	if !m.tr.Connected() {
		return
	}
	m.tr.Publish(m.topics["status"], m.Status())
}

func (m *Manager) publishThresholdStatus() {
	if !m.tr.Connected() {
		return
	}
	cfg := m.ctrl.Machine().Config()
	autoState := "idle"
	if m.Mode() == ModeAuto {
		autoState = string(m.ctrl.Machine().Current())
	}
	m.tr.Publish(m.topics["threshold_status"], map[string]any{
		"type":                      "threshold_config",
		"timestamp":                 time.Now().Format(time.RFC3339),
		"soc_high_threshold":        cfg.SOCHighThreshold,
		"soc_low_threshold":         cfg.SOCLowThreshold,
		"soc_charge_stop_threshold": cfg.SOCChargeStopThreshold,
		"dcdc_standby_time":         cfg.DCDCStandbyTime.Seconds(),
		"charging_power":            cfg.ChargingPower,
		"operation_mode":            string(m.Mode()),
		"auto_mode_status":          autoState,
		"location":                  m.location,
	})
}

func (m *Manager) respond(payload map[string]any) {
	payload["location"] = m.location
	m.tr.Publish(m.topics["status"]+"/response", payload)
}

func (m *Manager) respondError(message string) {
	log.Printf("operation manager: %s", message)
	m.respond(map[string]any{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Shutdown stops auto mode and releases the control subscriptions.
func (m *Manager) Shutdown() {
	if m.ctrl.Machine().Active() {
		if err := m.ctrl.StopAuto(); err != nil {
			log.Printf("operation manager: shutdown stop: %v", err)
		}
	}
	for _, topic := range m.ControlTopics() {
		_ = m.tr.Unsubscribe(topic)
	}
}
