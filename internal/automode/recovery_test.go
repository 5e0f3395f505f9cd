package automode

import (
	"sync"
	"testing"
	"time"
)

type fakeBMS struct {
	mu        sync.Mutex
	raw       map[string]int64
	calls     []string
	resetErr  error
	connected bool
}

func (f *fakeBMS) ReadData() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw
}

func (f *fakeBMS) ResetErrors() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "bms.reset_errors")
	return f.resetErr
}

func (f *fakeBMS) DCContactor(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.calls = append(f.calls, "bms.dc_contactor_on")
	} else {
		f.calls = append(f.calls, "bms.dc_contactor_off")
	}
	return nil
}

func (f *fakeBMS) Connected() bool { return f.connected }

type fakePCS struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePCS) ResetFaults() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pcs.reset_faults")
	return nil
}

func (f *fakePCS) SetOperationMode(mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pcs.mode_"+mode)
	return nil
}

func fastRecovery(bms *fakeBMS, pcs *fakePCS) *Recovery {
	r := NewRecovery(bms, pcs)
	r.warmup = time.Millisecond
	r.interval = 10 * time.Millisecond
	r.stepShort = time.Millisecond
	r.stepMid = time.Millisecond
	r.stabilize = 5 * time.Millisecond
	return r
}

func TestRecoverySequence(t *testing.T) {
	t.Parallel()
	bms := &fakeBMS{connected: true}
	pcs := &fakePCS{}
	r := fastRecovery(bms, pcs)

	attempted := r.CheckAndRecover(map[string]int64{"error_code_2": 0x0008})
	if !attempted {
		t.Fatalf("recovery not attempted")
	}

	want := []string{"bms.reset_errors", "bms.dc_contactor_on"}
	if len(bms.calls) != 2 || bms.calls[0] != want[0] || bms.calls[1] != want[1] {
		t.Fatalf("bms calls: %v", bms.calls)
	}
	wantPCS := []string{"pcs.reset_faults", "pcs.mode_independent"}
	if len(pcs.calls) != 2 || pcs.calls[0] != wantPCS[0] || pcs.calls[1] != wantPCS[1] {
		t.Fatalf("pcs calls: %v", pcs.calls)
	}

	st := r.Status()
	if st["total_recovery_count"] != 1 || st["recovery_in_progress"] != false {
		t.Fatalf("status: %+v", st)
	}
	if _, ok := st["last_recovery_attempt"]; !ok {
		t.Fatalf("attempt timestamp missing")
	}
}

func TestNoRecoveryWhenBitClear(t *testing.T) {
	t.Parallel()
	bms := &fakeBMS{connected: true}
	r := fastRecovery(bms, &fakePCS{})

	if r.CheckAndRecover(map[string]int64{"error_code_2": 0x0004}) {
		t.Fatalf("recovery triggered on wrong bit")
	}
	if r.CheckAndRecover(map[string]int64{"battery_soc": 500}) {
		t.Fatalf("recovery triggered without error_code_2")
	}
	if r.CheckAndRecover(nil) {
		t.Fatalf("recovery triggered on nil reading")
	}
	if len(bms.calls) != 0 {
		t.Fatalf("commands issued without an error: %v", bms.calls)
	}
}

func TestFailedStepAbortsScript(t *testing.T) {
	t.Parallel()
	bms := &fakeBMS{connected: true, resetErr: errTestWrite}
	pcs := &fakePCS{}
	r := fastRecovery(bms, pcs)

	if !r.CheckAndRecover(map[string]int64{"error_code_2": 0x0008}) {
		t.Fatalf("recovery should have been attempted")
	}
	if len(pcs.calls) != 0 {
		t.Fatalf("script continued past a failed step: %v", pcs.calls)
	}
	if st := r.Status(); st["total_recovery_count"] != 0 {
		t.Fatalf("failed recovery counted as success: %+v", st)
	}
}
