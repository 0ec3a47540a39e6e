package i2csim

import "sync"

// RegisterWrite is a completed 16-bit register write.
type RegisterWrite struct {
	Reg   byte
	Value uint16
}

// Registers is a target with a pointer register and big-endian 16-bit
// registers, the layout used by INA219-class monitors. A write message
// starts with the pointer and may carry one or more 16-bit values; a read
// returns the register the pointer selects, MSB first.
type Registers struct {
	mx        sync.Mutex
	addr      byte
	regs      map[byte]uint16
	writes    []RegisterWrite
	failNext  int
	nackReads int

	ptr     byte
	reading bool
	idx     int
	hi      byte
}

func NewRegisters(addr byte) *Registers {
	return &Registers{addr: addr, regs: make(map[byte]uint16)}
}

func (r *Registers) Address() byte { return r.addr }

func (r *Registers) Set(reg byte, v uint16) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.regs[reg] = v
}

func (r *Registers) Get(reg byte) uint16 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.regs[reg]
}

// Writes returns every register write received, in order.
func (r *Registers) Writes() []RegisterWrite {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]RegisterWrite(nil), r.writes...)
}

// FailAddress makes the next n address phases go unacknowledged.
func (r *Registers) FailAddress(n int) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.failNext = n
}

// NackReads makes the next n read address phases go unacknowledged while
// writes still succeed.
func (r *Registers) NackReads(n int) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.nackReads = n
}

func (r *Registers) Begin(read bool) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return false
	}
	if read && r.nackReads > 0 {
		r.nackReads--
		return false
	}
	r.reading = read
	r.idx = 0
	return true
}

func (r *Registers) Receive(b byte) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	switch {
	case r.idx == 0:
		r.ptr = b
	case r.idx%2 == 1:
		r.hi = b
	default:
		v := uint16(r.hi)<<8 | uint16(b)
		r.regs[r.ptr] = v
		r.writes = append(r.writes, RegisterWrite{Reg: r.ptr, Value: v})
	}
	r.idx++
	return true
}

func (r *Registers) Transmit() byte {
	r.mx.Lock()
	defer r.mx.Unlock()
	v := r.regs[r.ptr]
	b := byte(v >> 8)
	if r.idx%2 == 1 {
		b = byte(v)
	}
	r.idx++
	return b
}

func (r *Registers) End() {}

// Memory is a byte-addressed target with an auto-incrementing address, like
// a small EEPROM.
type Memory struct {
	mx   sync.Mutex
	addr byte
	data []byte
	ptr  int
	idx  int
}

func NewMemory(addr byte, size int) *Memory {
	return &Memory{addr: addr, data: make([]byte, size)}
}

func (m *Memory) Address() byte { return m.addr }

// Load copies b into memory starting at offset.
func (m *Memory) Load(offset int, b []byte) {
	m.mx.Lock()
	defer m.mx.Unlock()
	copy(m.data[offset:], b)
}

func (m *Memory) Bytes() []byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *Memory) Begin(read bool) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.idx = 0
	return true
}

func (m *Memory) Receive(b byte) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.idx == 0 {
		m.ptr = int(b) % len(m.data)
	} else {
		m.data[m.ptr] = b
		m.ptr = (m.ptr + 1) % len(m.data)
	}
	m.idx++
	return true
}

func (m *Memory) Transmit() byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	b := m.data[m.ptr]
	m.ptr = (m.ptr + 1) % len(m.data)
	return b
}

func (m *Memory) End() {}
