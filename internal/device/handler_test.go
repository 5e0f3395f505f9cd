package device

import (
	"errors"
	"testing"
	"time"

	"pms-supervisor/internal/config"
	"pms-supervisor/internal/regmap"
)

func testHandler(t *testing.T, devType, mapJSON string) *Handler {
	t.Helper()
	cfg := config.Device{
		Name:         devType,
		Type:         devType,
		IP:           "127.0.0.1",
		Port:         1, // nothing listens here; connects fail fast
		SlaveID:      1,
		PollInterval: time.Second,
	}
	return NewHandler(cfg, loadMap(t, mapJSON), 100*time.Millisecond)
}

func TestDecodeRegisters(t *testing.T) {
	t.Parallel()
	u16 := &regmap.Spec{RegisterCount: 1, DataType: "uint16"}
	i16 := &regmap.Spec{RegisterCount: 1, DataType: "int16"}
	u32 := &regmap.Spec{RegisterCount: 2, DataType: "uint32"}
	i32 := &regmap.Spec{RegisterCount: 2, DataType: "int32"}

	cases := []struct {
		name string
		spec *regmap.Spec
		data []byte
		want int64
	}{
		{"uint16", u16, []byte{0x02, 0xEE}, 750},
		{"int16 negative", i16, []byte{0xFF, 0xFE}, -2},
		{"uint32 combine", u32, []byte{0x00, 0x01, 0x00, 0x02}, 1<<16 + 2},
		{"int32 negative", i32, []byte{0xFF, 0xFF, 0xFF, 0xFF}, -1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeRegisters(tc.data, tc.spec)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}

	if _, err := decodeRegisters([]byte{0x01}, u16); err == nil {
		t.Errorf("short payload must fail")
	}
	if _, err := decodeRegisters([]byte{0x01, 0x02, 0x03}, u32); err == nil {
		t.Errorf("short 32-bit payload must fail")
	}
}

func TestWriteRegisterPermanentErrors(t *testing.T) {
	t.Parallel()
	h := testHandler(t, "BMS", bmsMapJSON)

	err := h.WriteRegister("does_not_exist", 1)
	if !errors.Is(err, ErrUnknownRegister) {
		t.Fatalf("expected ErrUnknownRegister, got %v", err)
	}
	// Readable registers reject writes without touching the connection.
	err = h.WriteRegister("battery_soc", 1)
	if !errors.Is(err, ErrReadOnlyRegister) {
		t.Fatalf("expected ErrReadOnlyRegister, got %v", err)
	}
	if h.Connected() {
		t.Fatalf("permanent failures must not open a connection")
	}
}

func TestHandleControlMessageUnknownCommand(t *testing.T) {
	t.Parallel()
	h := testHandler(t, "BMS", bmsMapJSON)
	err := h.HandleControlMessage(map[string]any{"command": "self_destruct"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestSetOperationModeValidation(t *testing.T) {
	t.Parallel()
	h := testHandler(t, "DCDC", dcdcMapJSON)
	if err := h.SetOperationMode("warp"); err == nil {
		t.Fatalf("unsupported mode must fail")
	}

	bms := testHandler(t, "BMS", bmsMapJSON)
	if err := bms.SetOperationMode("stop"); err == nil {
		t.Fatalf("BMS has no operation mode register")
	}
}

func TestTelemetryTopic(t *testing.T) {
	t.Parallel()
	h := testHandler(t, "PCS", pcsMapJSON)
	if got := h.TelemetryTopic("pms"); got != "pms/PCS/PCS/data" {
		t.Fatalf("topic: %q", got)
	}
}

func TestNumericParam(t *testing.T) {
	t.Parallel()
	if v, err := numericParam(map[string]any{"power": 12.5}, "power"); err != nil || v != 12.5 {
		t.Errorf("float: %v, %v", v, err)
	}
	if v, err := numericParam(map[string]any{"power": "7.5"}, "power"); err != nil || v != 7.5 {
		t.Errorf("string: %v, %v", v, err)
	}
	if _, err := numericParam(map[string]any{}, "power"); err == nil {
		t.Errorf("missing value must fail")
	}
	if _, err := numericParam(map[string]any{"power": "x"}, "power"); err == nil {
		t.Errorf("bad string must fail")
	}
}

func TestHandlerStatus(t *testing.T) {
	t.Parallel()
	h := testHandler(t, "BMS", bmsMapJSON)
	st := h.Status()
	if st["name"] != "BMS" || st["connected"] != false {
		t.Fatalf("status: %+v", st)
	}
	if _, ok := st["last_successful_read"]; ok {
		t.Fatalf("no read yet, timestamp must be absent")
	}
}
