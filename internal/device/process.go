package device

import (
	"fmt"
	"math"
	"strings"

	"pms-supervisor/internal/regmap"
)

// Field is one processed register value as published in telemetry.
type Field struct {
	Value       any    `json:"value"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
	RawValue    any    `json:"raw_value"`
	Kind        string `json:"type"`

	// bitmask decoding
	ActiveBits   []string                 `json:"active_bits,omitempty"`
	BitStatus    map[string]BitState      `json:"bit_status,omitempty"`
	StatusValues map[string]Interpreted   `json:"status_values,omitempty"`
	TotalActive  int                      `json:"total_active,omitempty"`
	BitFlags     string                   `json:"bit_flags,omitempty"`

	// derived fields
	Level string `json:"level,omitempty"`
}

// BitState records one decoded bit of a bitmask register.
type BitState struct {
	Active      bool   `json:"active"`
	Description string `json:"description"`
}

// Interpreted maps a bit state onto the phrase its description defines.
type Interpreted struct {
	Status      string `json:"status"`
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// Process converts raw register values into engineering units and status
// flags, then attaches the per-type derived values. It is a pure function
// of its inputs.
func Process(raw map[string]int64, m *regmap.Map, deviceType string) map[string]any {
	out := make(map[string]any, len(raw))
	for name, rawValue := range raw {
		spec, ok := m.Lookup(name)
		if !ok {
			out[name] = Field{
				Value:       rawValue,
				Description: name,
				RawValue:    rawValue,
				Kind:        "unknown",
			}
			continue
		}
		if spec.Kind == "bitmask" {
			out[name] = processBitmask(rawValue, spec)
			continue
		}
		out[name] = Field{
			Value:       float64(rawValue) * spec.Scale,
			Unit:        spec.Unit,
			Description: spec.Description,
			RawValue:    rawValue,
			Kind:        spec.Kind,
		}
	}

	switch deviceType {
	case "BMS":
		deriveBMS(out)
	case "DCDC":
		deriveDCDC(out)
	case "PCS":
		derivePCS(out)
	}
	return out
}

func processBitmask(raw int64, spec *regmap.Spec) Field {
	f := Field{
		Value:        raw,
		Description:  spec.Description,
		RawValue:     raw,
		Kind:         "bitmask",
		BitStatus:    make(map[string]BitState, len(spec.Bits)),
		StatusValues: make(map[string]Interpreted, len(spec.Bits)),
		BitFlags:     fmt.Sprintf("%016b", uint16(raw)),
	}
	for bit, def := range spec.Bits {
		set := raw&(1<<bit) != 0
		key := fmt.Sprintf("bit_%02d", bit)
		f.BitStatus[key] = BitState{Active: set, Description: def.Description}
		f.StatusValues[key+"_status"] = interpretBit(def, set)
		if set {
			f.ActiveBits = append(f.ActiveBits, fmt.Sprintf("Bit %d: %s", bit, def.Description))
		}
	}
	f.TotalActive = len(f.ActiveBits)
	return f
}

// interpretBit maps a bit state onto a human status. Parsed "[0: .. / 1: ..]"
// alternatives win; otherwise keyword classes apply; the final fallback is
// active/inactive.
func interpretBit(def regmap.BitDef, set bool) Interpreted {
	code := 0
	if set {
		code = 1
	}
	out := Interpreted{Code: code, Description: def.Description}

	if def.Clear != "" || def.Set != "" {
		if set {
			out.Status = def.Set
		} else {
			out.Status = def.Clear
		}
		return out
	}

	lower := strings.ToLower(def.Description)
	switch {
	case strings.Contains(lower, "fire alarm"):
		out.Status = pick(set, "fire alarm", "normal")
	case strings.Contains(lower, "smoke"):
		out.Status = pick(set, "smoke detected", "normal")
	case containsAny(lower, "alarm", "error", "fault", "warning"):
		out.Status = pick(set, "fault", "normal")
	case containsAny(lower, "temperature", "temp"):
		out.Status = pick(set, "temperature abnormal", "temperature normal")
	case containsAny(lower, "voltage", "volt"):
		out.Status = pick(set, "voltage abnormal", "voltage normal")
	case strings.Contains(lower, "current"):
		out.Status = pick(set, "current abnormal", "current normal")
	case strings.Contains(lower, "reserved"):
		out.Status = "reserved"
	default:
		out.Status = pick(set, "active", "inactive")
	}
	return out
}

func pick(set bool, whenSet, whenClear string) string {
	if set {
		return whenSet
	}
	return whenClear
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func fieldValue(out map[string]any, name string) (float64, bool) {
	f, ok := out[name].(Field)
	if !ok {
		return 0, false
	}
	v, ok := f.Value.(float64)
	return v, ok
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func deriveBMS(out map[string]any) {
	if max, ok := fieldValue(out, "battery_cell_max_voltage"); ok {
		if min, ok := fieldValue(out, "battery_cell_min_voltage"); ok {
			diff := max - min
			out["cell_voltage_diff"] = Field{
				Value:       round(diff, 3),
				Unit:        "V",
				Description: "cell voltage spread (max-min)",
				RawValue:    diff,
				Kind:        "calculated",
			}
		}
	}
	if max, ok := fieldValue(out, "module_max_temperature"); ok {
		if min, ok := fieldValue(out, "module_min_temperature"); ok {
			diff := max - min
			out["module_temp_diff"] = Field{
				Value:       round(diff, 1),
				Unit:        "C",
				Description: "module temperature spread (max-min)",
				RawValue:    diff,
				Kind:        "calculated",
			}
		}
	}
	if v, ok := fieldValue(out, "rack_voltage"); ok {
		if i, ok := fieldValue(out, "rack_current"); ok {
			p := v * i
			out["instantaneous_power"] = Field{
				Value:       round(p, 2),
				Unit:        "W",
				Description: "instantaneous power (rack voltage x current)",
				RawValue:    p,
				Kind:        "calculated",
			}
		}
	}
	if soc, ok := fieldValue(out, "battery_soc"); ok {
		level := "CRITICAL"
		switch {
		case soc >= 80:
			level = "HIGH"
		case soc >= 50:
			level = "NORMAL"
		case soc >= 20:
			level = "LOW"
		}
		out["soc_status"] = Field{
			Value:       level,
			Description: "SOC band",
			RawValue:    soc,
			Kind:        "status",
			Level:       level,
		}
	}
	if f, ok := out["battery_system_operation_mode"].(Field); ok {
		if mode, ok := f.RawValue.(int64); ok {
			var parts []string
			if mode&0x01 != 0 {
				parts = append(parts, "initialized")
			} else {
				parts = append(parts, "initializing")
			}
			if mode&0x02 != 0 {
				parts = append(parts, "charging")
			}
			if mode&0x04 != 0 {
				parts = append(parts, "discharging")
			}
			if mode&0x08 != 0 {
				parts = append(parts, "standby (relay on)")
			}
			out["system_mode_status"] = Field{
				Value:       strings.Join(parts, ", "),
				Description: "system operating mode",
				RawValue:    mode,
				Kind:        "status",
			}
		}
	}

	var alarms, errs, warnings int
	for name, v := range out {
		f, ok := v.(Field)
		if !ok || f.Kind != "bitmask" {
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "alarm"):
			alarms += f.TotalActive
		case strings.Contains(lower, "error"):
			errs += f.TotalActive
		case strings.Contains(lower, "warning"):
			warnings += f.TotalActive
		}
	}
	out["system_health_summary"] = Field{
		Value:       fmt.Sprintf("alarms: %d, errors: %d, warnings: %d", alarms, errs, warnings),
		Description: "system health summary",
		RawValue:    map[string]int{"alarms": alarms, "errors": errs, "warnings": warnings},
		Kind:        "summary",
	}
}

func deriveDCDC(out map[string]any) {
	inOK := false
	var inPower float64
	if v, ok := fieldValue(out, "input_voltage"); ok {
		if i, ok := fieldValue(out, "input_current"); ok {
			inPower = v * i
			inOK = true
			out["calculated_input_power"] = Field{
				Value:       round(inPower, 2),
				Unit:        "W",
				Description: "calculated input power",
				RawValue:    inPower,
				Kind:        "calculated",
			}
		}
	}
	outOK := false
	var outPower float64
	if v, ok := fieldValue(out, "output_voltage"); ok {
		if i, ok := fieldValue(out, "output_current"); ok {
			outPower = v * i
			outOK = true
			out["calculated_output_power"] = Field{
				Value:       round(outPower, 2),
				Unit:        "W",
				Description: "calculated output power",
				RawValue:    outPower,
				Kind:        "calculated",
			}
		}
	}
	if inOK && outOK && inPower > 0 {
		eff := outPower / inPower * 100
		out["calculated_efficiency"] = Field{
			Value:       round(eff, 2),
			Unit:        "%",
			Description: "calculated efficiency",
			RawValue:    eff,
			Kind:        "calculated",
		}
	}
}

func derivePCS(out map[string]any) {
	r, rOK := fieldValue(out, "ac_voltage_r")
	s, sOK := fieldValue(out, "ac_voltage_s")
	t, tOK := fieldValue(out, "ac_voltage_t")
	if rOK && sOK && tOK {
		avg := (r + s + t) / 3
		out["avg_ac_voltage"] = Field{
			Value:       round(avg, 2),
			Unit:        "V",
			Description: "three-phase AC voltage average",
			RawValue:    avg,
			Kind:        "calculated",
		}
	}
	ir, irOK := fieldValue(out, "ac_current_r")
	is, isOK := fieldValue(out, "ac_current_s")
	it, itOK := fieldValue(out, "ac_current_t")
	if irOK && isOK && itOK {
		avg := (math.Abs(ir) + math.Abs(is) + math.Abs(it)) / 3
		out["avg_ac_current"] = Field{
			Value:       round(avg, 2),
			Unit:        "A",
			Description: "three-phase AC current average (absolute)",
			RawValue:    avg,
			Kind:        "calculated",
		}
	}
	dcPower, dcpOK := fieldValue(out, "dc_power")
	if dcVolt, ok := fieldValue(out, "dc_voltage"); ok && dcpOK && dcVolt > 0 {
		density := dcPower / dcVolt
		out["power_density"] = Field{
			Value:       round(density, 2),
			Unit:        "kW/V",
			Description: "power density",
			RawValue:    density,
			Kind:        "calculated",
		}
	}
	if acPower, ok := fieldValue(out, "ac_power"); ok && dcpOK && dcPower != 0 && acPower != 0 {
		var eff float64
		if dcPower > 0 { // discharging, DC -> AC
			eff = math.Abs(acPower) / dcPower * 100
		} else { // charging, AC -> DC
			eff = math.Abs(dcPower) / math.Abs(acPower) * 100
		}
		out["pcs_efficiency"] = Field{
			Value:       round(math.Min(eff, 100), 2),
			Unit:        "%",
			Description: "round-trip efficiency",
			RawValue:    eff,
			Kind:        "calculated",
		}
	}
}
