// Package adapter holds host-side bridges used to reach the board's sense
// devices from a workstation.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/powerboard"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const (
	cmdStatusSet   = 0x10
	cmdWriteData   = 0x90
	cmdReadData    = 0x91
	cmdGetReadData = 0x40

	cancelTransfer = 0x10
	setSpeed       = 0x20

	statusBusy      = 0x01
	statusReadError = 0x41

	reportSize  = 64
	maxTransfer = reportSize - 4
	// the speed divider is derived from the 12 MHz internal clock
	clockHz = 12_000_000
)

var (
	ErrNotFound   = errors.New("MCP2221 device not found")
	ErrAmbiguous  = errors.New("more than one MCP2221 attached, pick one by index")
	ErrCommand    = errors.New("MCP2221 command failed")
	ErrShortReply = errors.New("MCP2221 short report")
)

var _ powerboard.I2CBus = &MCP2221{}

// Device is one opened HID report channel.
type Device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Opener opens the adapter for a single request/response exchange.
type Opener func() (Device, error)

// HIDOpener opens the MCP2221 at index among the attached ones. A negative
// index requires exactly one attached adapter.
func HIDOpener(index int) Opener {
	return func() (Device, error) {
		devs := hid.Enumerate(VendorID, ProductID)
		if len(devs) == 0 {
			return nil, ErrNotFound
		}
		if index < 0 {
			if len(devs) > 1 {
				return nil, ErrAmbiguous
			}
			index = 0
		}
		if index >= len(devs) {
			return nil, fmt.Errorf("no MCP2221 with index %d: %w", index, ErrNotFound)
		}
		dev, err := devs[index].Open()
		if err != nil {
			return nil, fmt.Errorf("could not open MCP2221: %w", err)
		}
		return dev, nil
	}
}

// Attached lists the adapters found on the USB bus.
func Attached() []hid.DeviceInfo {
	return hid.Enumerate(VendorID, ProductID)
}

type Status struct {
	I2CDataBufferCounter   int    `yaml:"data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"speed_divider"`
	I2CTimeout             int    `yaml:"timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent"`
	ReadPending            int    `yaml:"read_pending"`
}

type Opt func(*MCP2221)

// WithResponseWait sets the pause between a request and reading its reply.
func WithResponseWait(d time.Duration) Opt {
	return func(m *MCP2221) { m.responseWait = d }
}

// MCP2221 is a USB-HID to I2C bridge. Every call is one or two HID report
// exchanges; the adapter serves a single transfer at a time.
type MCP2221 struct {
	open         Opener
	responseWait time.Duration

	mx       sync.Mutex
	request  []byte
	response []byte
}

func NewMCP2221(open Opener, opts ...Opt) *MCP2221 {
	m := &MCP2221{
		open:         open,
		responseWait: 50 * time.Millisecond,
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) > maxTransfer {
		return fmt.Errorf("write of %d bytes exceeds one report", len(buffer))
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	m.resetBuffers()
	m.request[0] = cmdWriteData
	binary.LittleEndian.PutUint16(m.request[1:3], uint16(len(buffer)))
	m.request[3] = address << 1
	copy(m.request[4:], buffer)
	if err := m.send(ctx); err != nil {
		return fmt.Errorf("write to %#x failed: %w", address, err)
	}
	if m.response[1] == statusBusy {
		slog.Debug("adapter busy", "addr", fmt.Sprintf("%#x", address))
		return powerboard.ErrBusBusy
	}
	return nil
}

func (m *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) > maxTransfer {
		return fmt.Errorf("read of %d bytes exceeds one report", len(buffer))
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	m.resetBuffers()
	m.request[0] = cmdReadData
	binary.LittleEndian.PutUint16(m.request[1:3], uint16(len(buffer)))
	m.request[3] = address<<1 | 1
	if err := m.send(ctx); err != nil {
		return fmt.Errorf("bus read from %#x failed: %w", address, err)
	}
	if m.response[1] == statusBusy {
		return powerboard.ErrBusBusy
	}
	m.resetBuffers()
	m.request[0] = cmdGetReadData
	if err := m.send(ctx); err != nil {
		return fmt.Errorf("could not get read data from adapter: %w", err)
	}
	if m.response[1] == statusReadError {
		return fmt.Errorf("%w: I2C engine could not read from %#x", ErrCommand, address)
	}
	if m.response[3] == 127 || int(m.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), m.response[3])
	}
	copy(buffer, m.response[4:])
	return nil
}

func (m *MCP2221) Status(ctx context.Context) (*Status, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.resetBuffers()
	m.request[0] = cmdStatusSet
	if err := m.send(ctx); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(m.response), nil
}

// Release cancels the transfer in progress and frees the bus.
func (m *MCP2221) Release(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.resetBuffers()
	m.request[0] = cmdStatusSet
	m.request[2] = cancelTransfer
	if err := m.send(ctx); err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	return nil
}

// SetSpeed sets the I2C clock in Hz.
func (m *MCP2221) SetSpeed(ctx context.Context, hz int) error {
	if hz < 50_000 || hz > 400_000 {
		return fmt.Errorf("unsupported I2C speed %d Hz", hz)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	m.resetBuffers()
	m.request[0] = cmdStatusSet
	m.request[3] = setSpeed
	m.request[4] = byte(clockHz/hz - 3)
	if err := m.send(ctx); err != nil {
		return fmt.Errorf("speed request failed: %w", err)
	}
	if m.response[3] != setSpeed {
		return fmt.Errorf("%w: speed not accepted (transfer in progress)", ErrCommand)
	}
	return nil
}

func bufferToStatus(buffer []byte) *Status {
	// 9..10 requested transfer length, 11..12 transferred so far,
	// 13 data buffer counter, 14 speed divider, 15 timeout,
	// 16..17 address in use, 25 read pending
	return &Status{
		I2CDataBufferCounter:   int(buffer[13]),
		I2CSpeedDivider:        int(buffer[14]),
		I2CTimeout:             int(buffer[15]),
		ReadPending:            int(buffer[25]),
		CurrentAddress:         hex.EncodeToString(buffer[16:18]),
		LastWriteRequestedSize: binary.LittleEndian.Uint16(buffer[9:11]),
		LastWriteSentSize:      binary.LittleEndian.Uint16(buffer[11:13]),
	}
}

func (m *MCP2221) send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := m.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close adapter", "error", err)
		}
	}()
	slog.Debug("adapter request", "report", hex.EncodeToString(m.request[:8]))
	n, err := dev.Write(m.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("%w: wrote %d", ErrShortReply, n)
	}
	if m.responseWait > 0 {
		t := time.NewTimer(m.responseWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	n, err = dev.Read(m.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("%w: read %d", ErrShortReply, n)
	}
	slog.Debug("adapter response", "report", hex.EncodeToString(m.response[:8]))
	return nil
}

func (m *MCP2221) resetBuffers() {
	clear(m.request)
	clear(m.response)
}
