package dbconf

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pms-supervisor/internal/config"
)

func openTestStore(t *testing.T, location string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pms_config.sqlite")
	s, err := Open(path, location)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func baseConfig() config.AutoMode {
	return config.AutoMode{
		Enabled:                true,
		SOCHighThreshold:       88,
		SOCLowThreshold:        5,
		SOCChargeStopThreshold: 25,
		DCDCStandbyTime:        30 * time.Second,
		CommandInterval:        5 * time.Second,
		ChargingPower:          10,
	}
}

func TestLoadWithoutRowReturnsBase(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, "site-a")
	ctx := context.Background()

	got, err := s.LoadAutoModeConfig(ctx, baseConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != baseConfig() {
		t.Fatalf("base config altered: %+v", got)
	}

	row, err := s.Load(ctx)
	if err != nil || row != nil {
		t.Fatalf("expected no row, got %+v (%v)", row, err)
	}
}

func TestSaveAndLoadOverridesYAML(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, "site-a")
	ctx := context.Background()

	saved := baseConfig()
	saved.SOCHighThreshold = 92
	saved.SOCLowThreshold = 8
	saved.SOCChargeStopThreshold = 30
	saved.DCDCStandbyTime = 45 * time.Second
	saved.ChargingPower = 12.5

	if err := s.SaveAutoModeConfig(ctx, "kim", saved, "auto", "normal_operation", true); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadAutoModeConfig(ctx, baseConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SOCHighThreshold != 92 || got.SOCLowThreshold != 8 || got.SOCChargeStopThreshold != 30 {
		t.Fatalf("thresholds not overlaid: %+v", got)
	}
	if got.DCDCStandbyTime != 45*time.Second || got.ChargingPower != 12.5 {
		t.Fatalf("timing/power not overlaid: %+v", got)
	}
	// Columns without a DB counterpart keep their YAML values.
	if got.CommandInterval != 5*time.Second || !got.Enabled {
		t.Fatalf("yaml-only fields lost: %+v", got)
	}
}

func TestUpsertReplacesRow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, "site-a")
	ctx := context.Background()

	first := baseConfig()
	first.SOCHighThreshold = 90
	if err := s.SaveAutoModeConfig(ctx, "kim", first, "basic", "idle", false); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := baseConfig()
	second.SOCHighThreshold = 95
	if err := s.SaveAutoModeConfig(ctx, "kim", second, "auto", "normal_operation", true); err != nil {
		t.Fatalf("second save: %v", err)
	}

	row, err := s.Load(ctx)
	if err != nil || row == nil {
		t.Fatalf("load row: %+v (%v)", row, err)
	}
	if row.SOCHighThreshold != 95 || row.OperationMode != "auto" || !row.AutoModeActive {
		t.Fatalf("row not replaced: %+v", row)
	}
}

func TestLocationIsolation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pms_config.sqlite")
	a, err := Open(path, "site-a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := Open(path, "site-b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	cfg := baseConfig()
	cfg.SOCHighThreshold = 99
	if err := a.SaveAutoModeConfig(context.Background(), "kim", cfg, "auto", "idle", false); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := b.LoadAutoModeConfig(context.Background(), baseConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SOCHighThreshold != 88 {
		t.Fatalf("site-b saw site-a settings: %+v", got)
	}
}
