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
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Convert turns a decoded register value into T.
// Supported T: float64, uint16, int16, bool.
func Convert[T float64 | uint16 | int16 | bool](name string, val any) (T, error) {
	var zero T

	switch any(zero).(type) {
	case float64:
		f, err := toFloat64(val)
		if err != nil {
			return zero, err
		}
		return any(f).(T), nil

	case uint16:
		switch v := val.(type) {
		case uint16:
			return any(v).(T), nil
		case float32:
			if v < 0 || v > math.MaxUint16 {
				return zero, fmt.Errorf("register %q: %v out of uint16 range", name, v)
			}
			return any(uint16(math.Round(float64(v)))).(T), nil
		}

	case int16:
		switch v := val.(type) {
		case int16:
			return any(v).(T), nil
		case float32:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return zero, fmt.Errorf("register %q: %v out of int16 range", name, v)
			}
			return any(int16(math.Round(float64(v)))).(T), nil
		}

	case bool:
		if b, ok := val.(bool); ok {
			return any(b).(T), nil
		}
	}
	return zero, fmt.Errorf("register %q: cannot convert %T to %T", name, val, zero)
}

// ReadValue reads a register by name and returns its decoded value as `any`:
//   - float32 for float32 registers and for any scaled register
//   - int16 / uint16 for unscaled integer registers
//   - bool for bool registers
func (c *Client) ReadValue(ctx context.Context, name string) (any, error) {
	regDef, ok := c.config.Registers[name]
	if !ok {
		return nil, fmt.Errorf("register %q not configured", name)
	}

	n := registerCount(regDef.DataType)
	raw, err := c.ReadRegisters(ctx, regDef.Type, regDef.Address, n)
	if err != nil {
		return nil, fmt.Errorf("register read failed for %s: %w", name, err)
	}
	return decode(regDef, raw)
}

// WriteValue writes a Go value into a named register. Numeric values are
// unscaled with the register's scale/offset; bools write 0xFFFF or 0.
func (c *Client) WriteValue(ctx context.Context, name string, value any) error {
	regDef, ok := c.config.Registers[name]
	if !ok {
		return fmt.Errorf("register %q not configured", name)
	}
	if !regDef.Writable {
		return fmt.Errorf("register %q is not writable", name)
	}

	raw, err := encode(regDef, value)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}

	c.log.Debug("WriteRegister '%s' <- %v", name, value)
	if err := c.WriteRegisters(ctx, regDef.Address, uint16(len(raw)/2), raw); err != nil {
		return fmt.Errorf("failed to write register %q: %w", name, err)
	}
	return nil
}

func decode(regDef RegisterDef, raw []byte) (any, error) {
	if len(raw) < int(registerCount(regDef.DataType))*2 {
		return nil, fmt.Errorf("insufficient data: %d bytes for %s", len(raw), regDef.DataType)
	}

	var valf64 float64
	switch regDef.DataType {
	case "float32":
		valf64 = float64(bytesToFloat32(raw))
		if regDef.Scale == 0 {
			return float32(valf64), nil
		}
	case "int16":
		valf64 = float64(bytesToInt16(raw))
		if regDef.Scale == 0 {
			return int16(valf64), nil
		}
	case "uint16":
		valf64 = float64(bytesToUint16(raw))
		if regDef.Scale == 0 {
			return uint16(valf64), nil
		}
	case "bool":
		return bytesToUint16(raw) != 0, nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", regDef.DataType)
	}

	// if requires scaling, always return float32
	return float32(valf64*regDef.Scale + regDef.Offset), nil
}

func encode(regDef RegisterDef, value any) ([]byte, error) {
	valf64, err := toFloat64(value)
	if err != nil {
		return nil, err
	}
	if regDef.Scale != 0 {
		valf64 = (valf64 - regDef.Offset) / regDef.Scale
	}

	switch regDef.DataType {
	case "float32":
		if valf64 > math.MaxFloat32 || valf64 < -math.MaxFloat32 {
			return nil, fmt.Errorf("value %v out of float32 range", valf64)
		}
		return float32ToBytes(float32(valf64)), nil
	case "int16":
		ival := math.Round(valf64)
		if ival < math.MinInt16 || ival > math.MaxInt16 {
			return nil, fmt.Errorf("value %v out of int16 range", valf64)
		}
		return uint16ToBytes(uint16(int16(ival))), nil
	case "uint16":
		ival := math.Round(valf64)
		if ival < 0 || ival > math.MaxUint16 {
			return nil, fmt.Errorf("value %v out of uint16 range", valf64)
		}
		return uint16ToBytes(uint16(ival)), nil
	case "bool":
		if valf64 != 0 {
			return uint16ToBytes(math.MaxUint16), nil
		}
		return uint16ToBytes(0), nil
	}
	return nil, fmt.Errorf("unsupported data type %q", regDef.DataType)
}

func registerCount(dt string) uint16 {
	switch dt {
	case "uint16", "int16", "bool":
		return 1
	case "float32":
		return 2
	}
	return 0
}

func bytesToUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

func bytesToInt16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

func uint16ToBytes(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// big-endian word order
func bytesToFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func float32ToBytes(f float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

// toFloat64 attempts to convert an interface{} value into a float64.
func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1.0, nil
		}
		return 0.0, nil
	}
	return 0, fmt.Errorf("cannot convert %T to float64", v)
}
