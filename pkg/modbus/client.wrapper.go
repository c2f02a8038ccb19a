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
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	wrapper "github.com/grid-x/modbus"

	"psuctl/pkg/logger"
)

// transport is a grid-x client handler that can be closed.
type transport interface {
	wrapper.ClientHandler
	Close() error
}

type Client struct {
	mu      sync.Mutex
	handler transport
	client  wrapper.Client
	config  *Config
	log     *logger.Logger
}

// NewClient connects to the device described by config. It retries with
// exponential backoff until attempts run out or ctx is canceled.
func NewClient(ctx context.Context, config *Config, attempts int) (*Client, error) {
	c := &Client{
		config: config,
		log:    logger.New("ModbusConn"),
	}
	if err := c.connectWithRetry(ctx, attempts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectWithRetry(ctx context.Context, attempts int) error {
	backoff := 250 * time.Millisecond
	var err error
	for i := 1; attempts <= 0 || i <= attempts; i++ {
		if err = c.connect(ctx); err == nil {
			return nil
		}
		c.log.Error("connect attempt %d failed: %v (retrying in %v)", i, err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
	return fmt.Errorf("modbus connect: giving up after %d attempts: %w", attempts, err)
}

// connect (re)builds the handler once.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		_ = c.handler.Close()
		c.handler = nil
	}

	m := c.config.Modbus
	timeout := time.Duration(m.TimeoutMs) * time.Millisecond

	switch m.Transport {
	case "rtu":
		h := wrapper.NewRTUClientHandler(m.Device)
		h.BaudRate = m.BaudRate
		h.DataBits = m.DataBits
		h.Parity = m.Parity
		h.StopBits = m.StopBits
		h.SlaveID = m.SlaveID
		h.Timeout = timeout
		// the serial port is opened lazily on the first request
		c.log.Info("Using %s at %d baud", m.Device, m.BaudRate)
		c.handler = h

	default:
		url := fmt.Sprintf("%s:%d", m.Host, m.Port)
		h := wrapper.NewTCPClientHandler(url)
		h.SlaveID = m.SlaveID
		h.Timeout = timeout
		h.ProtocolRecoveryTimeout = 250 * time.Millisecond
		h.LinkRecoveryTimeout = 5 * time.Second

		c.log.Info("Connecting to %s...", url)
		if err := h.Connect(ctx); err != nil {
			return fmt.Errorf("modbus connect failed: %w", err)
		}
		c.log.Info("Connected to %s", url)
		c.handler = h
	}

	c.client = wrapper.NewClient(c.handler)
	return nil
}

// retry runs op and, after a connection error, reconnects once and runs it
// again. It never blocks longer than one reconnect.
func (c *Client) retry(ctx context.Context, op func(wrapper.Client) error) error {
	err := c.do(op)
	if err == nil || !isConnError(err) {
		return err
	}
	c.log.Error("connection error: %v, reconnecting", err)
	if cerr := c.connect(ctx); cerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, cerr)
	}
	return c.do(op)
}

func (c *Client) do(op func(wrapper.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return net.ErrClosed
	}
	return op(c.client)
}

// ReadRegisters reads holding or input registers depending on kind.
func (c *Client) ReadRegisters(ctx context.Context, kind string, addr, quantity uint16) ([]byte, error) {
	var data []byte
	err := c.retry(ctx, func(cl wrapper.Client) error {
		var rerr error
		if kind == "input" {
			data, rerr = cl.ReadInputRegisters(ctx, addr, quantity)
		} else {
			data, rerr = cl.ReadHoldingRegisters(ctx, addr, quantity)
		}
		return rerr
	})
	return data, err
}

// WriteRegisters writes holding registers.
func (c *Client) WriteRegisters(ctx context.Context, addr, quantity uint16, raw []byte) error {
	return c.retry(ctx, func(cl wrapper.Client) error {
		var err error
		if quantity == 1 {
			_, err = cl.WriteSingleRegister(ctx, addr, bytesToUint16(raw))
		} else {
			_, err = cl.WriteMultipleRegisters(ctx, addr, quantity, raw)
		}
		return err
	})
}

// Close closes the underlying handler.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = nil
	if c.handler != nil {
		err := c.handler.Close()
		c.handler = nil
		return err
	}
	return nil
}

// --- helpers ---

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed by the remote host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused")
}
