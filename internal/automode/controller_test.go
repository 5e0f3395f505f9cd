package automode

import (
	"context"
	"testing"
	"time"

	"pms-supervisor/internal/cache"
	"pms-supervisor/internal/device"
)

func TestSOCMonitorReadsProcessedCacheValue(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	pcs := &fakeCommander{rec: rec, tag: "pcs"}
	bms := &fakeCommander{rec: rec, tag: "bms"}

	store := cache.New()
	m := NewMachine(testConfig())
	c := NewController(m, store, pcs, nil, bms, "BMS", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	// Scale was applied by the processor; the monitor consumes the value
	// as-is.
	store.UpdateReading("BMS", &cache.Reading{
		DeviceName: "BMS",
		Data: map[string]any{
			"battery_soc": device.Field{Value: 42.5, Unit: "%", RawValue: int64(425)},
		},
	})

	if err := c.StartAuto(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.StopAuto() })

	waitFor(t, time.Second, func() bool { return c.LastSOC() == 42.5 })
}

func TestSOCMonitorIgnoresOutOfRange(t *testing.T) {
	t.Parallel()
	store := cache.New()
	m := NewMachine(testConfig())
	c := NewController(m, store, &fakeCommander{rec: &recorder{}, tag: "pcs"}, nil,
		&fakeCommander{rec: &recorder{}, tag: "bms"}, "BMS", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	store.UpdateReading("BMS", &cache.Reading{
		DeviceName: "BMS",
		Data:       map[string]any{"battery_soc": device.Field{Value: 150.0}},
	})

	if err := c.StartAuto(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.StopAuto() })

	time.Sleep(50 * time.Millisecond)
	if c.LastSOC() != 0 {
		t.Fatalf("out-of-range SOC accepted: %v", c.LastSOC())
	}
}

func TestStartAutoRequiresDevices(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	c := NewController(m, nil, nil, nil, nil, "", 5*time.Millisecond)
	if err := c.StartAuto(); err == nil {
		t.Fatalf("start without PCS and BMS must fail")
	}
}

func TestControllerStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := NewMachine(testConfig())
	c := NewController(m, nil, &fakeCommander{rec: rec, tag: "pcs"}, nil,
		&fakeCommander{rec: rec, tag: "bms"}, "BMS", 5*time.Millisecond)

	st := c.Status()
	devices := st["devices"].(map[string]any)
	if devices["pcs_available"] != true || devices["dcdc_available"] != false || devices["bms_available"] != true {
		t.Fatalf("availability: %+v", devices)
	}
	auto := st["auto_mode"].(map[string]any)
	if auto["current_state"] != "idle" {
		t.Fatalf("machine status: %+v", auto)
	}
}
