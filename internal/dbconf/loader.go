package dbconf

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pms-supervisor/internal/config"
)

// Store is the optional configuration database. It holds one row per
// (user, location) in DEVICE_LOCATION_STATUS; the most recent active row
// for the configured location overrides the YAML auto-mode settings.
type Store struct {
	sql      *sql.DB
	location string
}

// LocationStatus mirrors a DEVICE_LOCATION_STATUS row.
type LocationStatus struct {
	UserID                 string
	DeviceLocation         string
	SOCHighThreshold       float64
	SOCLowThreshold        float64
	SOCChargeStopThreshold float64
	DCDCStandbyTime        int
	ChargingPower          float64
	OperationMode          string
	AutoModeStatus         string
	AutoModeActive         bool
	IsActive               bool
	UpdatedAt              time.Time
}

// Open connects to the sqlite database at path and ensures the schema.
func Open(path, location string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)
	s, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(); err != nil {
		s.Close()
		return nil, err
	}
	st := &Store{sql: s, location: location}
	if err := st.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error { return s.sql.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS DEVICE_LOCATION_STATUS (
    USER_ID TEXT NOT NULL,
    DEVICE_LOCATION TEXT NOT NULL,
    SOC_HIGH_THRESHOLD REAL,
    SOC_LOW_THRESHOLD REAL,
    SOC_CHARGE_STOP_THRESHOLD REAL,
    DCDC_STANDBY_TIME INTEGER,
    CHARGING_POWER REAL,
    OPERATION_MODE TEXT,
    AUTO_MODE_STATUS TEXT,
    AUTO_MODE_ACTIVE BOOLEAN NOT NULL DEFAULT 0,
    IS_ACTIVE BOOLEAN NOT NULL DEFAULT 1,
    UPDATED_AT DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (USER_ID, DEVICE_LOCATION)
);
CREATE INDEX IF NOT EXISTS idx_location_status_location ON DEVICE_LOCATION_STATUS(DEVICE_LOCATION);
`
	_, err := s.sql.Exec(schema)
	return err
}

// LoadAutoModeConfig returns the YAML auto-mode settings overlaid with
// the most recent active row for the configured location. A missing row
// leaves base untouched.
func (s *Store) LoadAutoModeConfig(ctx context.Context, base config.AutoMode) (config.AutoMode, error) {
	const q = `
SELECT SOC_HIGH_THRESHOLD, SOC_LOW_THRESHOLD, SOC_CHARGE_STOP_THRESHOLD,
       DCDC_STANDBY_TIME, CHARGING_POWER
FROM DEVICE_LOCATION_STATUS
WHERE DEVICE_LOCATION = ? AND IS_ACTIVE = 1
ORDER BY UPDATED_AT DESC
LIMIT 1;
`
	var (
		high, low, stop sql.NullFloat64
		standby         sql.NullInt64
		power           sql.NullFloat64
	)
	err := s.sql.QueryRowContext(ctx, q, s.location).Scan(&high, &low, &stop, &standby, &power)
	if errors.Is(err, sql.ErrNoRows) {
		return base, nil
	}
	if err != nil {
		return base, err
	}
	if high.Valid {
		base.SOCHighThreshold = high.Float64
	}
	if low.Valid {
		base.SOCLowThreshold = low.Float64
	}
	if stop.Valid {
		base.SOCChargeStopThreshold = stop.Float64
	}
	if standby.Valid {
		base.DCDCStandbyTime = time.Duration(standby.Int64) * time.Second
	}
	if power.Valid {
		base.ChargingPower = power.Float64
	}
	return base, nil
}

// SaveAutoModeConfig upserts the current settings for (userID, location).
func (s *Store) SaveAutoModeConfig(ctx context.Context, userID string, cfg config.AutoMode, mode string, autoState string, autoActive bool) error {
	const q = `
INSERT INTO DEVICE_LOCATION_STATUS (
    USER_ID, DEVICE_LOCATION,
    SOC_HIGH_THRESHOLD, SOC_LOW_THRESHOLD, SOC_CHARGE_STOP_THRESHOLD,
    DCDC_STANDBY_TIME, CHARGING_POWER,
    OPERATION_MODE, AUTO_MODE_STATUS, AUTO_MODE_ACTIVE,
    IS_ACTIVE, UPDATED_AT
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT (USER_ID, DEVICE_LOCATION) DO UPDATE SET
    SOC_HIGH_THRESHOLD = excluded.SOC_HIGH_THRESHOLD,
    SOC_LOW_THRESHOLD = excluded.SOC_LOW_THRESHOLD,
    SOC_CHARGE_STOP_THRESHOLD = excluded.SOC_CHARGE_STOP_THRESHOLD,
    DCDC_STANDBY_TIME = excluded.DCDC_STANDBY_TIME,
    CHARGING_POWER = excluded.CHARGING_POWER,
    OPERATION_MODE = excluded.OPERATION_MODE,
    AUTO_MODE_STATUS = excluded.AUTO_MODE_STATUS,
    AUTO_MODE_ACTIVE = excluded.AUTO_MODE_ACTIVE,
    UPDATED_AT = excluded.UPDATED_AT;
`
	_, err := s.sql.ExecContext(ctx, q,
		userID, s.location,
		cfg.SOCHighThreshold, cfg.SOCLowThreshold, cfg.SOCChargeStopThreshold,
		int(cfg.DCDCStandbyTime.Seconds()), cfg.ChargingPower,
		mode, autoState, autoActive,
		time.Now().UTC(),
	)
	return err
}

// Load returns the most recent active row for the location, when present.
func (s *Store) Load(ctx context.Context) (*LocationStatus, error) {
	const q = `
SELECT USER_ID, DEVICE_LOCATION,
       COALESCE(SOC_HIGH_THRESHOLD, 0), COALESCE(SOC_LOW_THRESHOLD, 0), COALESCE(SOC_CHARGE_STOP_THRESHOLD, 0),
       COALESCE(DCDC_STANDBY_TIME, 0), COALESCE(CHARGING_POWER, 0),
       COALESCE(OPERATION_MODE, ''), COALESCE(AUTO_MODE_STATUS, ''), AUTO_MODE_ACTIVE, IS_ACTIVE, UPDATED_AT
FROM DEVICE_LOCATION_STATUS
WHERE DEVICE_LOCATION = ? AND IS_ACTIVE = 1
ORDER BY UPDATED_AT DESC
LIMIT 1;
`
	var row LocationStatus
	err := s.sql.QueryRowContext(ctx, q, s.location).Scan(
		&row.UserID, &row.DeviceLocation,
		&row.SOCHighThreshold, &row.SOCLowThreshold, &row.SOCChargeStopThreshold,
		&row.DCDCStandbyTime, &row.ChargingPower,
		&row.OperationMode, &row.AutoModeStatus, &row.AutoModeActive, &row.IsActive, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
