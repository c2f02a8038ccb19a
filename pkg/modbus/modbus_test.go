// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"strings"
	"testing"
)

const sampleYAML = `
modbus:
  host: 10.0.0.12
registers:
  vout_adc:
    address: 0
    type: input
  iout_adc:
    address: 1
    type: input
  pwm_compare:
    address: 100
    writable: true
  alarm:
    address: 101
    data_type: bool
    writable: true
  vin:
    address: 2
    type: input
    data_type: int16
    scale: 0.01
`

func TestParseConfigDefaults(t *testing.T) {
	c, err := ParseConfig([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	m := c.Modbus
	if m.Transport != "tcp" || m.Port != 502 || m.SlaveID != 1 || m.TimeoutMs != 50 {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if r := c.Registers["pwm_compare"]; r.Type != "holding" || r.DataType != "uint16" {
		t.Fatalf("register defaults: %+v", r)
	}
	if err := c.Require([]string{"vout_adc", "iout_adc"}, []string{"pwm_compare", "alarm"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Require(nil, []string{"vout_adc"}); err == nil {
		t.Fatal("read-only register accepted as writable")
	}
	if err := c.Require([]string{"missing"}, nil); err == nil {
		t.Fatal("missing register accepted")
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no host":        "modbus: {}\n",
		"no device":      "modbus: {transport: rtu}\n",
		"bad transport":  "modbus: {transport: can, host: x}\n",
		"bad data type":  "modbus: {host: x}\nregisters: {a: {data_type: uint64}}\n",
		"writable input": "modbus: {host: x}\nregisters: {a: {type: input, writable: true}}\n",
	}
	for name, doc := range cases {
		if _, err := ParseConfig([]byte(doc)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestDecode(t *testing.T) {
	cases := []struct {
		reg  RegisterDef
		raw  []byte
		want any
	}{
		{RegisterDef{DataType: "uint16"}, []byte{0x03, 0xFF}, uint16(1023)},
		{RegisterDef{DataType: "int16"}, []byte{0xFF, 0xFE}, int16(-2)},
		{RegisterDef{DataType: "bool"}, []byte{0x00, 0x01}, true},
		{RegisterDef{DataType: "bool"}, []byte{0x00, 0x00}, false},
		{RegisterDef{DataType: "float32"}, float32ToBytes(1.5), float32(1.5)},
		{RegisterDef{DataType: "int16", Scale: 0.5, Offset: 1}, []byte{0x00, 0x04}, float32(3)},
	}
	for i, c := range cases {
		got, err := decode(c.reg, c.raw)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got != c.want {
			t.Errorf("case %d: got %v (%T) want %v (%T)", i, got, got, c.want, c.want)
		}
	}
	if _, err := decode(RegisterDef{DataType: "float32"}, []byte{0, 0}); err == nil {
		t.Fatal("short read accepted")
	}
}

func TestEncode(t *testing.T) {
	raw, err := encode(RegisterDef{DataType: "uint16"}, uint32(59999))
	if err != nil || bytesToUint16(raw) != 59999 {
		t.Fatalf("uint16: %v %v", raw, err)
	}
	raw, err = encode(RegisterDef{DataType: "bool"}, true)
	if err != nil || bytesToUint16(raw) != 0xFFFF {
		t.Fatalf("bool: %v %v", raw, err)
	}
	raw, err = encode(RegisterDef{DataType: "int16", Scale: 0.01}, -1.0)
	if err != nil || bytesToInt16(raw) != -100 {
		t.Fatalf("scaled int16: %v %v", raw, err)
	}
	if _, err := encode(RegisterDef{DataType: "uint16"}, 70000); err == nil || !strings.Contains(err.Error(), "range") {
		t.Fatalf("out of range accepted: %v", err)
	}
	if _, err := encode(RegisterDef{DataType: "uint16"}, "x"); err == nil {
		t.Fatal("string accepted")
	}
}

func TestConvert(t *testing.T) {
	if v, err := Convert[uint16]("a", uint16(812)); err != nil || v != 812 {
		t.Errorf("uint16: %v %v", v, err)
	}
	if v, err := Convert[uint16]("a", float32(811.6)); err != nil || v != 812 {
		t.Errorf("scaled uint16: %v %v", v, err)
	}
	if _, err := Convert[uint16]("a", float32(-1)); err == nil {
		t.Error("negative value accepted as uint16")
	}
	if v, err := Convert[float64]("a", int16(-3)); err != nil || v != -3 {
		t.Errorf("float64: %v %v", v, err)
	}
	if _, err := Convert[bool]("a", uint16(1)); err == nil {
		t.Error("uint16 accepted as bool")
	}
}
