// Package i2csim simulates a polled two-wire master peripheral and the
// devices attached to it. The model keeps a one-byte data register and a
// one-byte shift register and decides ACK/NACK when a byte finishes shifting,
// so a receive sequence that drops ACK at the wrong moment is caught as a
// protocol violation instead of silently passing.
package i2csim

import (
	"fmt"
	"sync"

	"github.com/mklimuk/powerboard/i2c"
)

var _ i2c.Peripheral = &Peripheral{}

// Device is a bus target.
type Device interface {
	Address() byte
	// Begin opens a transfer. Returning false NACKs the address.
	Begin(read bool) bool
	// Receive takes a byte written by the master. Returning false NACKs it.
	Receive(b byte) bool
	// Transmit returns the next byte sent to the master.
	Transmit() byte
	// End closes the transfer on STOP or repeated START.
	End()
}

type Peripheral struct {
	mx      sync.Mutex
	devices map[byte]Device

	enabled bool
	ack     bool
	pos     bool

	sb, addr, af, berr bool
	btf, txe           bool
	master, busy       bool

	cur         Device
	reading     bool
	addrCleared bool
	dr, shift   byte
	drFull      bool
	shiftFull   bool
	latchedAck  bool
	slaveDone   bool
	stopPending bool
	received    int

	berrNext bool
	holdBusy int

	trace      []string
	violations []string
}

func NewPeripheral(devices ...Device) *Peripheral {
	p := &Peripheral{devices: make(map[byte]Device)}
	for _, d := range devices {
		p.devices[d.Address()] = d
	}
	return p
}

// Attach adds or replaces a device.
func (p *Peripheral) Attach(d Device) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.devices[d.Address()] = d
}

// Detach removes the device at addr; its address then goes unacknowledged.
func (p *Peripheral) Detach(addr byte) {
	p.mx.Lock()
	defer p.mx.Unlock()
	delete(p.devices, addr)
}

// InjectBusError raises BERR on the next SR1 read.
func (p *Peripheral) InjectBusError() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.berrNext = true
}

// HoldBusy makes an idle bus report BUSY for the next n SR2 reads.
func (p *Peripheral) HoldBusy(n int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.holdBusy = n
}

// Trace returns the register-level operations issued so far.
func (p *Peripheral) Trace() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]string(nil), p.trace...)
}

// Violations returns protocol errors detected so far.
func (p *Peripheral) Violations() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]string(nil), p.violations...)
}

// ClearTrace drops recorded operations and violations.
func (p *Peripheral) ClearTrace() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.trace = nil
	p.violations = nil
}

// Busy reports whether the simulated bus is held.
func (p *Peripheral) Busy() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.busy
}

func (p *Peripheral) SR1() i2c.Flags {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.enabled {
		return 0
	}
	if p.berrNext {
		p.berrNext = false
		p.berr = true
	}
	p.advance()
	var f i2c.Flags
	if p.sb {
		f |= i2c.FlagSB
	}
	if p.addr {
		f |= i2c.FlagADDR
	}
	if p.af {
		f |= i2c.FlagAF
	}
	if p.berr {
		f |= i2c.FlagBERR
	}
	if p.reading {
		if p.drFull {
			f |= i2c.FlagRxNE
		}
		if p.drFull && p.shiftFull {
			f |= i2c.FlagBTF
		}
	} else {
		if p.btf {
			f |= i2c.FlagBTF
		}
		if p.txe {
			f |= i2c.FlagTxE
		}
	}
	return f
}

func (p *Peripheral) SR2() i2c.Flags {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.enabled {
		return 0
	}
	if p.addr {
		p.addr = false
		p.addrCleared = true
		p.latchedAck = p.ack
		if !p.reading {
			p.txe = true
		}
	}
	var f i2c.Flags
	if p.master {
		f |= i2c.FlagMSL
	}
	if p.busy {
		f |= i2c.FlagBUSY
	}
	if !p.busy && p.holdBusy > 0 {
		p.holdBusy--
		f |= i2c.FlagBUSY
	}
	return f
}

func (p *Peripheral) Start() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record("start")
	if !p.enabled {
		return
	}
	if p.cur != nil {
		if p.reading && !p.slaveDone {
			p.violate("repeated START while slave %#x still transmitting", p.cur.Address())
		}
		p.cur.End()
		p.cur = nil
	}
	p.resetTransfer()
	p.sb = true
	p.master = true
	p.busy = true
}

func (p *Peripheral) SendAddress(addr byte, read bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	dir := "w"
	if read {
		dir = "r"
	}
	p.record(fmt.Sprintf("addr %#x %s", addr, dir))
	if !p.enabled {
		return
	}
	if !p.sb {
		p.violate("address %#x sent without START", addr)
	}
	p.sb = false
	p.reading = read
	dev, ok := p.devices[addr]
	if !ok || !dev.Begin(read) {
		p.af = true
		return
	}
	p.cur = dev
	p.addr = true
}

func (p *Peripheral) WriteData(b byte) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record(fmt.Sprintf("write %#02x", b))
	if !p.enabled {
		return
	}
	if p.cur == nil || p.reading || !p.addrCleared {
		p.violate("data %#02x written outside a write message", b)
		return
	}
	p.btf, p.txe = false, false
	if !p.cur.Receive(b) {
		p.af = true
		return
	}
	p.btf, p.txe = true, true
}

func (p *Peripheral) ReadData() byte {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.drFull {
		p.record("read <empty>")
		p.violate("data register read while empty")
		return 0
	}
	b := p.dr
	p.drFull = false
	p.record(fmt.Sprintf("read %#02x", b))
	p.advance()
	return b
}

func (p *Peripheral) Stop() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record("stop")
	if !p.enabled {
		return
	}
	if p.cur == nil {
		p.release()
		return
	}
	if p.reading && !p.slaveDone {
		p.stopPending = true
		return
	}
	p.release()
}

func (p *Peripheral) SetAck(on bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record(onOff("ack", on))
	p.ack = on
}

func (p *Peripheral) SetPOS(on bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record(onOff("pos", on))
	p.pos = on
}

func (p *Peripheral) SetEnabled(on bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.record(onOff("pe", on))
	if !on {
		if p.cur != nil {
			p.cur.End()
			p.cur = nil
		}
		p.resetTransfer()
		p.ack, p.pos = false, false
		p.master, p.busy = false, false
	}
	p.enabled = on
}

// advance moves bytes through the shift and data registers as far as the
// master's reads allow. A byte's ACK is decided when it finishes shifting:
// with POS set the decision is the ACK bit captured when the byte started.
func (p *Peripheral) advance() {
	for {
		if p.shiftFull && !p.drFull {
			p.dr, p.drFull = p.shift, true
			p.shiftFull = false
			continue
		}
		if p.reading && p.cur != nil && p.addrCleared && !p.slaveDone && !p.shiftFull {
			p.shift, p.shiftFull = p.cur.Transmit(), true
			p.received++
			acked := p.ack
			if p.pos {
				acked = p.latchedAck
			}
			p.latchedAck = p.ack
			if !acked {
				p.slaveDone = true
				if p.stopPending {
					p.release()
				}
			} else if p.stopPending {
				p.violate("byte %d acknowledged after STOP was programmed", p.received)
				p.slaveDone = true
				p.release()
			}
			continue
		}
		return
	}
}

func (p *Peripheral) release() {
	if p.cur != nil {
		p.cur.End()
		p.cur = nil
	}
	if p.reading && !p.slaveDone {
		p.violate("STOP while slave still transmitting")
	}
	p.stopPending = false
	p.master, p.busy = false, false
	p.sb, p.addr = false, false
}

func (p *Peripheral) resetTransfer() {
	p.sb, p.addr, p.af, p.berr = false, false, false, false
	p.btf, p.txe = false, false
	p.reading, p.addrCleared = false, false
	p.drFull, p.shiftFull = false, false
	p.slaveDone, p.stopPending = false, false
	p.received = 0
}

func (p *Peripheral) record(op string) {
	p.trace = append(p.trace, op)
}

func (p *Peripheral) violate(format string, args ...any) {
	p.violations = append(p.violations, fmt.Sprintf(format, args...))
}

func onOff(name string, on bool) string {
	if on {
		return name + " on"
	}
	return name + " off"
}
