package regmap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Modbus function codes used by the device maps.
const (
	FuncReadHolding = 0x03
	FuncReadInput   = 0x04
	FuncWriteSingle = 0x06
)

// Spec describes a single register from a device map file.
type Spec struct {
	Name          string
	Section       string
	Address       uint16
	RegisterCount int
	FunctionCode  int
	DataType      string // uint16 | int16 | uint32 | int32
	Scale         float64
	Unit          string
	Kind          string // value | bitmask
	Description   string
	Bits          map[int]BitDef
}

// BitDef is a parsed bit definition of a bitmask register.
// When the description carries a "[0: Off / 1: On]" pattern, Clear and Set
// hold the two alternatives; otherwise both are empty and callers fall back
// to active/inactive.
type BitDef struct {
	Description string
	Clear       string
	Set         string
}

// Readable reports whether the register is part of the polling sweep.
func (s *Spec) Readable() bool {
	return s.FunctionCode == FuncReadHolding || s.FunctionCode == FuncReadInput
}

// Writable reports whether the register accepts single-register writes.
func (s *Spec) Writable() bool {
	return s.FunctionCode == FuncWriteSingle
}

// Map is the read-only, name-indexed view over one device map file.
// Sections in the file only group entries; lookup is by flat name.
type Map struct {
	specs  map[string]*Spec
	byAddr map[uint16]string
	order  []string
}

// rawSpec mirrors one register entry in the JSON map files.
type rawSpec struct {
	Address        uint16            `json:"address"`
	Registers      int               `json:"registers"`
	FunctionCode   string            `json:"function_code"`
	DataType       string            `json:"data_type"`
	Scale          float64           `json:"scale"`
	Unit           string            `json:"unit"`
	Type           string            `json:"type"`
	Description    string            `json:"description"`
	BitDefinitions map[string]string `json:"bit_definitions"`
}

// Load reads a device map JSON file. The file is an object of sections,
// each section an object of register entries.
func Load(path string) (*Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sections map[string]map[string]rawSpec
	if err := json.Unmarshal(b, &sections); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return build(sections)
}

func build(sections map[string]map[string]rawSpec) (*Map, error) {
	m := &Map{
		specs:  make(map[string]*Spec),
		byAddr: make(map[uint16]string),
	}
	sectionNames := make([]string, 0, len(sections))
	for name := range sections {
		sectionNames = append(sectionNames, name)
	}
	sort.Strings(sectionNames)

	for _, section := range sectionNames {
		entries := sections[section]
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			raw := entries[name]
			spec, err := raw.toSpec(name, section)
			if err != nil {
				return nil, err
			}
			if _, dup := m.specs[name]; dup {
				return nil, fmt.Errorf("register %q defined twice", name)
			}
			m.specs[name] = spec
			m.order = append(m.order, name)
			if _, taken := m.byAddr[spec.Address]; !taken {
				m.byAddr[spec.Address] = name
			}
		}
	}
	return m, nil
}

func (r rawSpec) toSpec(name, section string) (*Spec, error) {
	fc, err := parseFunctionCode(r.FunctionCode)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", name, err)
	}
	s := &Spec{
		Name:          name,
		Section:       section,
		Address:       r.Address,
		RegisterCount: r.Registers,
		FunctionCode:  fc,
		DataType:      r.DataType,
		Scale:         r.Scale,
		Unit:          r.Unit,
		Kind:          r.Type,
		Description:   r.Description,
	}
	if s.RegisterCount <= 0 {
		s.RegisterCount = 1
	}
	if s.RegisterCount > 2 {
		return nil, fmt.Errorf("register %q: unsupported register count %d", name, s.RegisterCount)
	}
	if s.DataType == "" {
		s.DataType = "uint16"
	}
	switch s.DataType {
	case "uint16", "int16", "uint32", "int32":
	default:
		return nil, fmt.Errorf("register %q: unsupported data type %q", name, s.DataType)
	}
	if s.Scale == 0 {
		s.Scale = 1
	}
	if s.Kind == "" {
		s.Kind = "value"
	}
	if s.Kind == "bitmask" {
		if fc == FuncWriteSingle {
			return nil, fmt.Errorf("register %q: bitmask registers are read-only", name)
		}
		s.Bits = make(map[int]BitDef, len(r.BitDefinitions))
		for pos, desc := range r.BitDefinitions {
			bit, err := strconv.Atoi(pos)
			if err != nil || bit < 0 || bit > 15 {
				return nil, fmt.Errorf("register %q: invalid bit position %q", name, pos)
			}
			s.Bits[bit] = parseBitDef(desc)
		}
	}
	return s, nil
}

func parseFunctionCode(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("missing function code")
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid function code %q", s)
	}
	switch int(v) {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle:
		return int(v), nil
	}
	return 0, fmt.Errorf("unsupported function code 0x%02X", v)
}

// parseBitDef extracts the "[0: Normal / 1: Fault]" alternatives from a bit
// description. Descriptions without the pattern keep empty alternatives.
func parseBitDef(desc string) BitDef {
	def := BitDef{Description: desc}
	open := strings.Index(desc, "[")
	end := strings.Index(desc, "]")
	if open < 0 || end < open {
		return def
	}
	parts := strings.Split(desc[open+1:end], "/")
	if len(parts) != 2 {
		return def
	}
	def.Clear = stripBitLabel(parts[0])
	def.Set = stripBitLabel(parts[1])
	def.Description = strings.TrimSpace(desc[:open])
	return def
}

func stripBitLabel(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// Lookup returns the spec for a register name.
func (m *Map) Lookup(name string) (*Spec, bool) {
	s, ok := m.specs[name]
	return s, ok
}

// FindByAddress resolves a register address back to its name. When several
// entries share an address, the first in section/name order wins.
func (m *Map) FindByAddress(addr uint16) (string, bool) {
	name, ok := m.byAddr[addr]
	return name, ok
}

// Names returns all register names in stable section/name order.
func (m *Map) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Readable returns the specs swept by a poll, in stable order.
func (m *Map) Readable() []*Spec {
	var out []*Spec
	for _, name := range m.order {
		if s := m.specs[name]; s.Readable() {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registers in the map.
func (m *Map) Len() int { return len(m.specs) }
