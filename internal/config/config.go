package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Root mirrors the top-level keys of config/config.yaml.
type Root struct {
	MQTT     MQTT     `yaml:"mqtt"`
	Devices  []Device `yaml:"devices"`
	System   System   `yaml:"system"`
	Database Database `yaml:"database"`
	AutoMode AutoMode `yaml:"auto_mode"`
}

type MQTT struct {
	Broker              string        `yaml:"broker"`
	Port                int           `yaml:"port"`
	ClientID            string        `yaml:"client_id"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	Keepalive           time.Duration `yaml:"keepalive"`
	BaseTopic           string        `yaml:"base_topic"`
	MaxPublishWorkers   int           `yaml:"max_publish_workers"`
	ConnectionRetries   int           `yaml:"connection_retry_count"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

type Device struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"` // BMS | DCDC | PCS
	IP           string        `yaml:"ip"`
	Port         int           `yaml:"port"`
	SlaveID      uint8         `yaml:"slave_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MapFile      string        `yaml:"map_file"`
}

// Addr returns the host:port dial address for the device.
func (d Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

type System struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

type Database struct {
	Enabled          bool   `yaml:"enabled"`
	LoadConfigFromDB bool   `yaml:"load_config_from_db"`
	URL              string `yaml:"url"`
	DeviceLocation   string `yaml:"device_location"`
}

type AutoMode struct {
	Enabled                bool          `yaml:"enabled"`
	SOCHighThreshold       float64       `yaml:"soc_high_threshold"`
	SOCLowThreshold        float64       `yaml:"soc_low_threshold"`
	SOCChargeStopThreshold float64       `yaml:"soc_charge_stop_threshold"`
	DCDCStandbyTime        time.Duration `yaml:"dcdc_standby_time"`
	CommandInterval        time.Duration `yaml:"command_interval"`
	ChargingPower          float64       `yaml:"charging_power"`
	SOCMonitorInterval     time.Duration `yaml:"soc_monitor_interval"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Root{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Root{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.MQTT.Port <= 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "pms_client"
	}
	if cfg.MQTT.Keepalive <= 0 {
		cfg.MQTT.Keepalive = 30 * time.Second
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "pms"
	}
	if cfg.MQTT.MaxPublishWorkers <= 0 {
		cfg.MQTT.MaxPublishWorkers = 5
	}
	if cfg.MQTT.ConnectionRetries <= 0 {
		cfg.MQTT.ConnectionRetries = 15
	}
	if cfg.MQTT.HealthCheckInterval <= 0 {
		cfg.MQTT.HealthCheckInterval = 30 * time.Second
	}
	if cfg.System.ConnectionTimeout <= 0 {
		cfg.System.ConnectionTimeout = 2 * time.Second
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Port <= 0 {
			d.Port = 502
		}
		if d.SlaveID == 0 {
			d.SlaveID = 1
		}
		if d.PollInterval <= 0 {
			d.PollInterval = 5 * time.Second
		}
		d.Type = strings.ToUpper(strings.TrimSpace(d.Type))
		if d.MapFile == "" {
			d.MapFile = strings.ToLower(d.Type) + "_map.json"
		}
	}
	a := &cfg.AutoMode
	if a.SOCHighThreshold == 0 {
		a.SOCHighThreshold = 88.0
	}
	if a.SOCLowThreshold == 0 {
		a.SOCLowThreshold = 5.0
	}
	if a.SOCChargeStopThreshold == 0 {
		a.SOCChargeStopThreshold = 25.0
	}
	if a.DCDCStandbyTime <= 0 {
		a.DCDCStandbyTime = 30 * time.Second
	}
	if a.CommandInterval <= 0 {
		a.CommandInterval = 5 * time.Second
	}
	if a.ChargingPower == 0 {
		a.ChargingPower = 10.0
	}
	if a.SOCMonitorInterval <= 0 {
		a.SOCMonitorInterval = 2 * time.Second
	}
}

func validate(cfg *Root) error {
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must be set")
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Name == "" {
			return fmt.Errorf("device without name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Type {
		case "BMS", "DCDC", "PCS":
		default:
			return fmt.Errorf("device %s: unsupported type %q", d.Name, d.Type)
		}
		if d.IP == "" {
			return fmt.Errorf("device %s: ip must be set", d.Name)
		}
	}
	a := cfg.AutoMode
	if !(a.SOCLowThreshold < a.SOCChargeStopThreshold && a.SOCChargeStopThreshold < a.SOCHighThreshold) {
		return fmt.Errorf("auto_mode thresholds must satisfy low < charge_stop < high (got %.1f / %.1f / %.1f)",
			a.SOCLowThreshold, a.SOCChargeStopThreshold, a.SOCHighThreshold)
	}
	return nil
}
