package router

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device is the handler surface the router needs: address resolution
// against the register map plus single-register writes.
type Device interface {
	FindRegisterByAddress(addr uint16) (string, bool)
	WriteRegister(name string, value uint16) error
}

// Publisher sends command responses.
type Publisher interface {
	Publish(topic string, payload any) bool
}

// ModeHandler receives the operation-mode, auto-mode and threshold
// messages the router does not handle itself.
type ModeHandler interface {
	HandleModeMessage(topic string, payload map[string]any)
}

// Router dispatches inbound control messages either to a device handler
// (write_register commands) or to the operation manager (mode topics).
type Router struct {
	baseTopic string
	devices   map[string]Device
	pub       Publisher
	modes     ModeHandler
}

func New(baseTopic string, devices map[string]Device, pub Publisher, modes ModeHandler) *Router {
	return &Router{baseTopic: baseTopic, devices: devices, pub: pub, modes: modes}
}

// Dispatch routes one inbound message. It is called from the transport's
// message callback, already off the network loop.
func (r *Router) Dispatch(topic string, payload map[string]any) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != r.baseTopic || parts[1] != "control" {
		log.Printf("router: unhandled topic %s", topic)
		return
	}
	if parts[3] == "command" {
		r.handleCommand(parts[2], payload)
		return
	}
	if r.modes != nil {
		r.modes.HandleModeMessage(topic, payload)
	}
}

func (r *Router) handleCommand(deviceName string, payload map[string]any) {
	requestID, _ := payload["gui_request_id"].(string)
	if requestID == "" {
		if s, ok := payload["request_id"].(string); ok {
			requestID = s
		} else {
			requestID = uuid.NewString()
		}
	}

	dev, ok := r.devices[deviceName]
	if !ok {
		r.respond(deviceName, requestID, false, fmt.Sprintf("unknown device %q", deviceName))
		return
	}

	action, _ := payload["action"].(string)
	if action != "write_register" {
		r.respond(deviceName, requestID, false, fmt.Sprintf("unsupported action %q", action))
		return
	}

	addr, err := intField(payload, "address")
	if err != nil {
		r.respond(deviceName, requestID, false, err.Error())
		return
	}
	value, err := intField(payload, "value")
	if err != nil {
		r.respond(deviceName, requestID, false, err.Error())
		return
	}
	if addr < 0 || addr > 0xFFFF || value < 0 || value > 0xFFFF {
		r.respond(deviceName, requestID, false, "address or value out of 16-bit range")
		return
	}

	name, ok := dev.FindRegisterByAddress(uint16(addr))
	if !ok {
		r.respond(deviceName, requestID, false, fmt.Sprintf("no register at address %d", addr))
		return
	}

	desc, _ := payload["description"].(string)
	if desc == "" {
		desc = name
	}
	if err := dev.WriteRegister(name, uint16(value)); err != nil {
		log.Printf("router: %s write %s: %v", deviceName, name, err)
		r.respond(deviceName, requestID, false, fmt.Sprintf("failed: %s (%v)", desc, err))
		return
	}
	r.respond(deviceName, requestID, true, fmt.Sprintf("ok: %s", desc))
}

// intField accepts JSON numbers and decimal strings.
func intField(payload map[string]any, key string) (int64, error) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	}
	return 0, fmt.Errorf("invalid %s type", key)
}

func (r *Router) respond(deviceName, requestID string, success bool, message string) {
	topic := fmt.Sprintf("%s/control/%s/response", r.baseTopic, deviceName)
	r.pub.Publish(topic, map[string]any{
		"request_id":  requestID,
		"success":     success,
		"message":     message,
		"timestamp":   time.Now().Format(time.RFC3339),
		"device_name": deviceName,
	})
}
