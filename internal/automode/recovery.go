package automode

import (
	"context"
	"log"
	"sync"
	"time"
)

// commErrorBit is bit 3 of the BMS error_code_2 register: communication
// error, raised when the supervisor was down long enough for the BMS to
// drop its link.
const commErrorBit = 3

// BMSDevice is the recovery surface of the BMS handler. Reads go through
// the handler, not the cache, so the watchdog sees live data.
type BMSDevice interface {
	ReadData() map[string]int64
	ResetErrors() error
	DCContactor(on bool) error
	Connected() bool
}

// PCSDevice is the recovery surface of the PCS handler.
type PCSDevice interface {
	ResetFaults() error
	SetOperationMode(mode string) error
}

// Recovery watches for the BMS communication error and runs the fixed
// recovery script against BMS and PCS.
type Recovery struct {
	bms BMSDevice
	pcs PCSDevice

	warmup    time.Duration
	interval  time.Duration
	stepShort time.Duration
	stepMid   time.Duration
	stabilize time.Duration

	mu          sync.Mutex
	inProgress  bool
	count       int
	lastAttempt time.Time
}

func NewRecovery(bms BMSDevice, pcs PCSDevice) *Recovery {
	return &Recovery{
		bms:       bms,
		pcs:       pcs,
		warmup:    10 * time.Second,
		interval:  30 * time.Second,
		stepShort: 2 * time.Second,
		stepMid:   3 * time.Second,
		stabilize: 60 * time.Second,
	}
}

// Run executes the watchdog loop until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	if !sleepCtx(ctx, r.warmup) {
		return
	}
	for {
		if !r.bms.Connected() {
			if !sleepCtx(ctx, r.interval) {
				return
			}
			continue
		}
		raw := r.bms.ReadData()
		if r.CheckAndRecover(raw) {
			// Extra settling time after a recovery attempt.
			if !sleepCtx(ctx, r.stabilize) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, r.interval) {
			return
		}
	}
}

// CheckAndRecover inspects a raw BMS reading and runs the recovery script
// when the communication error bit is set. It reports whether a recovery
// was attempted.
func (r *Recovery) CheckAndRecover(raw map[string]int64) bool {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return false
	}
	code, ok := int64(0), false
	if raw != nil {
		code, ok = raw["error_code_2"]
	}
	if !ok || code&(1<<commErrorBit) == 0 {
		r.mu.Unlock()
		return false
	}
	r.inProgress = true
	r.lastAttempt = time.Now()
	r.mu.Unlock()

	log.Printf("recovery: BMS communication error detected (error_code_2=0x%04X)", code)
	ok = r.runScript()

	r.mu.Lock()
	if ok {
		r.count++
	}
	r.inProgress = false
	r.mu.Unlock()
	return true
}

// runScript executes the fixed sequence; any failed step aborts.
func (r *Recovery) runScript() bool {
	if err := r.bms.ResetErrors(); err != nil {
		log.Printf("recovery: bms reset errors: %v", err)
		return false
	}
	time.Sleep(r.stepShort)

	if err := r.bms.DCContactor(true); err != nil {
		log.Printf("recovery: bms dc contactor: %v", err)
		return false
	}
	time.Sleep(r.stepMid)

	if err := r.pcs.ResetFaults(); err != nil {
		log.Printf("recovery: pcs reset faults: %v", err)
		return false
	}
	time.Sleep(r.stepShort)

	if err := r.pcs.SetOperationMode("independent"); err != nil {
		log.Printf("recovery: pcs independent mode: %v", err)
		return false
	}
	log.Printf("recovery: sequence complete")
	return true
}

// Status reports the watchdog counters.
func (r *Recovery) Status() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := map[string]any{
		"recovery_in_progress": r.inProgress,
		"total_recovery_count": r.count,
	}
	if !r.lastAttempt.IsZero() {
		st["last_recovery_attempt"] = r.lastAttempt.Format(time.RFC3339)
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
