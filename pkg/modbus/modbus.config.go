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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Modbus    ModbusConfig           `yaml:"modbus"`
	Registers map[string]RegisterDef `yaml:"registers"`
}

type ModbusConfig struct {
	Transport string `yaml:"transport"` // "tcp" (default) or "rtu"

	// tcp
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// rtu
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"` // "N", "E", "O"
	StopBits int    `yaml:"stop_bits"`

	SlaveID   byte `yaml:"slave_id"`
	TimeoutMs int  `yaml:"timeout_ms"`
}

type RegisterDef struct {
	Address     uint16  `yaml:"address"`
	Type        string  `yaml:"type"`      // "holding" (default) or "input"
	DataType    string  `yaml:"data_type"` // "uint16", "int16", "bool", "float32"
	Scale       float64 `yaml:"scale"`     // if set, the raw value is interpreted as a scaled float
	Offset      float64 `yaml:"offset"`
	Description string  `yaml:"description"`
	Writable    bool    `yaml:"writable"`
}

// LoadConfig reads a YAML register map and fills transport defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read modbus config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("decode modbus config: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	m := &c.Modbus
	if m.Transport == "" {
		m.Transport = "tcp"
	}
	if m.Port == 0 {
		m.Port = 502
	}
	if m.BaudRate == 0 {
		m.BaudRate = 115200
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	if m.Parity == "" {
		m.Parity = "N"
	}
	if m.StopBits == 0 {
		m.StopBits = 1
	}
	if m.SlaveID == 0 {
		m.SlaveID = 1
	}
	if m.TimeoutMs == 0 {
		m.TimeoutMs = 50
	}
	for name, reg := range c.Registers {
		if reg.Type == "" {
			reg.Type = "holding"
		}
		if reg.DataType == "" {
			reg.DataType = "uint16"
		}
		c.Registers[name] = reg
	}
}

func (c *Config) Validate() error {
	switch c.Modbus.Transport {
	case "tcp":
		if c.Modbus.Host == "" {
			return fmt.Errorf("modbus: tcp transport needs a host")
		}
	case "rtu":
		if c.Modbus.Device == "" {
			return fmt.Errorf("modbus: rtu transport needs a device")
		}
	default:
		return fmt.Errorf("modbus: unknown transport %q", c.Modbus.Transport)
	}
	for name, reg := range c.Registers {
		if registerCount(reg.DataType) == 0 {
			return fmt.Errorf("modbus: register %q has unsupported data type %q", name, reg.DataType)
		}
		if reg.Type != "holding" && reg.Type != "input" {
			return fmt.Errorf("modbus: register %q has unsupported type %q", name, reg.Type)
		}
		if reg.Writable && reg.Type == "input" {
			return fmt.Errorf("modbus: input register %q cannot be writable", name)
		}
	}
	return nil
}

// Require checks that every named register exists, and is writable when
// listed in writable.
func (c *Config) Require(readable []string, writable []string) error {
	for _, name := range readable {
		if _, ok := c.Registers[name]; !ok {
			return fmt.Errorf("modbus: register %q not configured", name)
		}
	}
	for _, name := range writable {
		reg, ok := c.Registers[name]
		if !ok {
			return fmt.Errorf("modbus: register %q not configured", name)
		}
		if !reg.Writable {
			return fmt.Errorf("modbus: register %q is not writable", name)
		}
	}
	return nil
}
