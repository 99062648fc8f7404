// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package opcode

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var tablesYAML []byte

// Table is one 256-entry opcode map.
type Table [256]Descriptor

// PrefixClass selects among the parallel two- and three-byte maps.
type PrefixClass int

// Prefix classes, in the priority order used when more than one of the
// selecting prefixes is present.
const (
	ClassNone PrefixClass = iota
	Class66
	ClassF2
	ClassF3
	numClasses
)

// Tables holds the decoded opcode maps for one mode.
type Tables struct {
	mode Mode

	oneByte Table
	twoByte [numClasses]Table
	op0F38  [numClasses]Table
	op0F3A  [numClasses]Table

	nops *nopTrie
}

// Mode returns the mode the tables were built for.
func (t *Tables) Mode() Mode {
	return t.mode
}

// OneByte returns the primary map entry for op.
func (t *Tables) OneByte(op byte) *Descriptor {
	return &t.oneByte[op]
}

// TwoByte returns the 0f map entry for op.
func (t *Tables) TwoByte(class PrefixClass, op byte) *Descriptor {
	return &t.twoByte[class][op]
}

// ThreeByte returns the 0f 38 or 0f 3a map entry for op. Prefix classes
// with no such map yield an invalid descriptor.
func (t *Tables) ThreeByte(escape byte, class PrefixClass, op byte) *Descriptor {
	switch escape {
	case 0x38:
		return &t.op0F38[class][op]
	case 0x3a:
		return &t.op0F3A[class][op]
	}
	return &invalid
}

// rawRow is one tables.yaml row.
type rawRow struct {
	Op    string   `yaml:"op"`
	Reg   string   `yaml:"reg"`
	Group string   `yaml:"group"`
	Mn    string   `yaml:"mn"`
	Form  string   `yaml:"form"`
	Type  string   `yaml:"type"`
	Imm   string   `yaml:"imm"`
	ModRM bool     `yaml:"modrm"`
	Flags []string `yaml:"flags"`
	Mode  int      `yaml:"mode"`

	// x87 rows.
	Mem []string `yaml:"mem"`
	RM  string   `yaml:"rm"`

	// nop rows.
	Bytes string `yaml:"bytes"`
}

type rawTables struct {
	OneByte  []rawRow `yaml:"onebyte"`
	Op0F     []rawRow `yaml:"op0f"`
	Op660F   []rawRow `yaml:"op660f"`
	OpF20F   []rawRow `yaml:"opf20f"`
	OpF30F   []rawRow `yaml:"opf30f"`
	Op0F38   []rawRow `yaml:"op0f38"`
	Op660F38 []rawRow `yaml:"op660f38"`
	OpF20F38 []rawRow `yaml:"opf20f38"`
	Op0F3A   []rawRow `yaml:"op0f3a"`
	Op660F3A []rawRow `yaml:"op660f3a"`
	Op0F0F   []rawRow `yaml:"op0f0f"`
	Groups   []rawRow `yaml:"groups"`
	X87      []rawRow `yaml:"x87"`
	Nops     []rawRow `yaml:"nops"`
}

var (
	tablesOnce [2]sync.Once
	tables     [2]*Tables
)

// For returns the tables for mode m. The first call for a mode parses the
// embedded table source; a malformed source panics.
func For(m Mode) *Tables {
	i := 0
	switch m {
	case Mode32:
	case Mode64:
		i = 1
	default:
		panic(fmt.Sprintf("opcode: unsupported mode %v", m))
	}
	tablesOnce[i].Do(func() {
		t, err := build(tablesYAML, m)
		if err != nil {
			panic(fmt.Sprintf("opcode: building %v tables: %v", m, err))
		}
		tables[i] = t
	})
	return tables[i]
}

func build(src []byte, m Mode) (*Tables, error) {
	var raw rawTables
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, err
	}
	t := &Tables{mode: m}
	b := builder{mode: m}

	groups, err := b.groups(raw.Groups)
	if err != nil {
		return nil, fmt.Errorf("groups: %w", err)
	}
	x87, err := b.x87(raw.X87)
	if err != nil {
		return nil, fmt.Errorf("x87: %w", err)
	}
	var threeDNow Table
	fill(&threeDNow)
	if err := b.table(&threeDNow, raw.Op0F0F, "op0f0f"); err != nil {
		return nil, err
	}

	for _, tt := range []struct {
		dst  *Table
		rows []rawRow
		name string
	}{
		{&t.oneByte, raw.OneByte, "onebyte"},
		{&t.twoByte[ClassNone], raw.Op0F, "op0f"},
		{&t.twoByte[Class66], raw.Op660F, "op660f"},
		{&t.twoByte[ClassF2], raw.OpF20F, "opf20f"},
		{&t.twoByte[ClassF3], raw.OpF30F, "opf30f"},
		{&t.op0F38[ClassNone], raw.Op0F38, "op0f38"},
		{&t.op0F38[Class66], raw.Op660F38, "op660f38"},
		{&t.op0F38[ClassF2], raw.OpF20F38, "opf20f38"},
		{&t.op0F38[ClassF3], nil, "opf30f38"},
		{&t.op0F3A[ClassNone], raw.Op0F3A, "op0f3a"},
		{&t.op0F3A[Class66], raw.Op660F3A, "op660f3a"},
		{&t.op0F3A[ClassF2], nil, "opf20f3a"},
		{&t.op0F3A[ClassF3], nil, "opf30f3a"},
	} {
		fill(tt.dst)
		if err := b.table(tt.dst, tt.rows, tt.name); err != nil {
			return nil, err
		}
	}
	for c := Class66; c < numClasses; c++ {
		for _, tbl := range []*Table{&t.twoByte[c], &t.op0F38[c], &t.op0F3A[c]} {
			for op := range tbl {
				if tbl[op].Type != Invalid {
					tbl[op].Flags |= Mandatory
				}
			}
		}
	}

	// A 66/f2/f3 prefix in front of a non-vector two-byte opcode is an
	// ordinary prefix, not part of the opcode.
	for _, c := range []PrefixClass{Class66, ClassF2, ClassF3} {
		for op := range t.twoByte[c] {
			d := &t.twoByte[c][op]
			if d.Type != Undefined && d.Type != Invalid {
				continue
			}
			if base := t.twoByte[ClassNone][op]; !base.Type.Vector() && base.Type != Undefined {
				*d = base
			}
		}
	}

	// Resolve the secondary dispatch tables.
	for _, tbl := range t.all() {
		for op := range tbl {
			d := &tbl[op]
			switch {
			case d.Group != NoGroup:
				d.ByReg = groups.expand(d)
			case d.Type == X87 && d.HasModRM && op >= 0xd8 && op <= 0xdf && tbl == &t.oneByte:
				d.ByModRM = &x87[op-0xd8]
			case d.Type == ThreeDNow && d.Mnemonic == "3dnow":
				d.BySuffix = (*[256]Descriptor)(&threeDNow)
			}
		}
	}

	if err := t.applyIllegal(); err != nil {
		return nil, err
	}
	if t.nops, err = b.nops(raw.Nops); err != nil {
		return nil, fmt.Errorf("nops: %w", err)
	}
	return t, nil
}

// all returns every primary, two- and three-byte map.
func (t *Tables) all() []*Table {
	r := []*Table{&t.oneByte}
	for c := range t.twoByte {
		r = append(r, &t.twoByte[c], &t.op0F38[c], &t.op0F3A[c])
	}
	return r
}

func fill(tbl *Table) {
	for i := range tbl {
		tbl[i] = invalid
	}
}

type builder struct {
	mode Mode
}

func (b *builder) applies(r *rawRow) bool {
	return r.Mode == 0 || Mode(r.Mode) == b.mode
}

// descriptor converts the table independent fields of a row.
func (b *builder) descriptor(r *rawRow) (Descriptor, error) {
	d := Descriptor{
		HasModRM: r.ModRM,
		Mnemonic: r.Mn,
		Form:     r.Form,
	}
	var err error
	if d.Type, err = parseInstType(r.Type); err != nil {
		return d, err
	}
	imm, ok := immTypeNames[r.Imm]
	if !ok {
		return d, fmt.Errorf("unknown immediate %q", r.Imm)
	}
	d.Imm = imm
	if d.Group, err = parseGroup(r.Group); err != nil {
		return d, err
	}
	if d.Operands, err = parseForm(r.Form); err != nil {
		return d, err
	}
	for _, f := range r.Flags {
		v, ok := flagNames[f]
		if !ok {
			return d, fmt.Errorf("unknown flag %q", f)
		}
		d.Flags |= v
	}
	switch d.Type {
	case I386L, Cmpxchg8b:
		d.Flags |= Lock
	case Nop:
		d.Flags |= NopFlag
	}
	return d, nil
}

func (b *builder) table(dst *Table, rows []rawRow, name string) error {
	for i := range rows {
		r := &rows[i]
		if !b.applies(r) {
			continue
		}
		lo, hi, err := parseRange(r.Op, 0xff)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", name, i, err)
		}
		d, err := b.descriptor(r)
		if err != nil {
			return fmt.Errorf("%s row %d (%s): %w", name, i, r.Op, err)
		}
		for op := lo; op <= hi; op++ {
			dst[op] = d
		}
	}
	return nil
}

// groupTable holds the ModRM groups as authored.
type groupTable [numGroups][8]*Descriptor

func (b *builder) groups(rows []rawRow) (*groupTable, error) {
	var g groupTable
	for i := range rows {
		r := &rows[i]
		if !b.applies(r) {
			continue
		}
		grp, err := parseGroup(r.Group)
		if err != nil || grp == NoGroup {
			return nil, fmt.Errorf("row %d: bad group %q", i, r.Group)
		}
		lo, hi, err := parseRange(r.Reg, 7)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		r.Group = ""
		d, err := b.descriptor(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for reg := lo; reg <= hi; reg++ {
			dd := d
			g[grp][reg] = &dd
		}
	}
	return &g, nil
}

// expand builds the eight reg-field variants of an opcode that refers to a
// group. Each variant takes the group entry's operation and the opcode's
// encoding (ModRM, immediate and, unless overridden, operands).
func (g *groupTable) expand(op *Descriptor) *[8]Descriptor {
	var out [8]Descriptor
	for reg := range out {
		e := g[op.Group][reg]
		if e == nil {
			out[reg] = invalid
			out[reg].HasModRM = true
			out[reg].Imm = op.Imm
			continue
		}
		d := *e
		d.HasModRM = true
		d.Imm = op.Imm
		if d.Form == "" {
			d.Form, d.Operands = op.Form, op.Operands
		}
		d.Flags |= op.Flags &^ (NoWrite | Lock | NopFlag)
		out[reg] = d
	}
	return &out
}

func (b *builder) x87(rows []rawRow) (*[8][256]Descriptor, error) {
	var x [8][256]Descriptor
	for i := range x {
		for j := range x[i] {
			x[i][j] = invalid
			x[i][j].HasModRM = true
		}
	}
	for i := range rows {
		r := &rows[i]
		op, _, err := parseRange(r.Op, 0xff)
		if err != nil || op < 0xd8 || op > 0xdf {
			return nil, fmt.Errorf("row %d: bad escape %q", i, r.Op)
		}
		esc := &x[op-0xd8]
		if r.Mem != nil {
			if len(r.Mem) != 8 {
				return nil, fmt.Errorf("row %d: want 8 memory forms, got %d", i, len(r.Mem))
			}
			for reg, mn := range r.Mem {
				if mn == "" {
					continue
				}
				typ := X87
				if strings.HasPrefix(mn, "fisttp") {
					typ = SSE3
				}
				for modrm := 0; modrm < 0xc0; modrm++ {
					if (modrm>>3)&7 == reg {
						esc[modrm] = Descriptor{Type: typ, HasModRM: true, Imm: ImmNone, Mnemonic: mn, Form: "M", Operands: []Operand{{Kind: KindM}}}
					}
				}
			}
		}
		if r.RM != "" {
			lo, hi, err := parseRange(r.RM, 0xff)
			if err != nil || lo < 0xc0 {
				return nil, fmt.Errorf("row %d: bad register form %q", i, r.RM)
			}
			typ := X87
			if r.Type != "" {
				if typ, err = parseInstType(r.Type); err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
			}
			for modrm := lo; modrm <= hi; modrm++ {
				esc[modrm] = Descriptor{Type: typ, HasModRM: true, Imm: ImmNone, Mnemonic: r.Mn}
			}
		}
	}
	return &x, nil
}

// parseRange parses "xx" or "lo-hi" (hex, or decimal for ModRM reg values
// when max is 7).
func parseRange(s string, max int) (int, int, error) {
	base := 16
	if max < 16 {
		base = 10
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		hi = lo
	}
	l, err := strconv.ParseUint(lo, base, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad opcode %q", s)
	}
	h, err := strconv.ParseUint(hi, base, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad opcode %q", s)
	}
	if l > h || int(h) > max {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	return int(l), int(h), nil
}
