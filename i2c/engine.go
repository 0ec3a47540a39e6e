package i2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/powerboard"
)

var (
	ErrNack     = errors.New("i2c: not acknowledged")
	ErrBusError = errors.New("i2c: bus error")
	ErrTimeout  = errors.New("i2c: wait condition not met")
	// ErrStalled is returned by every operation while the sticky failure
	// flag is set.
	ErrStalled = errors.New("i2c: bus stalled by an earlier failure")

	errNoMessage = errors.New("i2c: no message in progress")
)

var (
	_ powerboard.StickyBus = &Engine{}
	_ i2c.Bus              = &Engine{}
	_ drivers.I2C          = &Engine{}
)

const defaultSpinLimit = 10_000

// State is the position of the Engine in a transaction.
type State uint8

const (
	StateIdle State = iota
	StateTransmitAddress
	StateTransmitRegister
	StateAwaitAck
	StateReceiveByte
	StateStop
	// StateFailed is reported while the sticky failure flag is set. The
	// engine itself always falls back to StateIdle after a failure.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransmitAddress:
		return "transmit-address"
	case StateTransmitRegister:
		return "transmit-register"
	case StateAwaitAck:
		return "await-ack"
	case StateReceiveByte:
		return "receive-byte"
	case StateStop:
		return "stop"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type EngineOpt func(*Engine)

// WithSpinLimit bounds every status poll loop to n iterations.
func WithSpinLimit(n int) EngineOpt {
	return func(e *Engine) {
		if n > 0 {
			e.spinLimit = n
		}
	}
}

// Engine is a master-mode transaction engine for a polled two-wire
// peripheral. It serves one transaction at a time: a call made while another
// one is running fails with powerboard.ErrBusBusy, nothing is queued.
//
// Any failed step sets a sticky flag. While it is set all operations fail
// immediately with ErrStalled until Release is called.
type Engine struct {
	p         Peripheral
	spinLimit int
	speed     physic.Frequency

	inFlight atomic.Bool
	timedOut atomic.Bool

	state    State
	addr     byte
	received int
}

// NewEngine enables the peripheral and returns an idle engine.
func NewEngine(p Peripheral, opts ...EngineOpt) *Engine {
	e := &Engine{
		p:         p,
		spinLimit: defaultSpinLimit,
		speed:     400 * physic.KiloHertz,
	}
	for _, opt := range opts {
		opt(e)
	}
	p.SetEnabled(true)
	return e
}

// Failed reports whether the sticky failure flag is set.
func (e *Engine) Failed() bool { return e.timedOut.Load() }

// State returns the current transaction state.
func (e *Engine) State() State {
	if e.timedOut.Load() {
		return StateFailed
	}
	return e.state
}

// Received returns the number of bytes stored by the last RecvBytes.
func (e *Engine) Received() int { return e.received }

// StartMessage issues a START (or a repeated START inside an open write
// message), addresses addr for writing and waits for the acknowledge.
func (e *Engine) StartMessage(ctx context.Context, addr byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if e.state == StateIdle {
		if err := e.waitSR2(ctx, FlagBUSY, false); err != nil {
			return e.fail(addr, "wait-bus-free", fmt.Errorf("%w: %w", powerboard.ErrBusBusy, err))
		}
	}
	e.state = StateTransmitAddress
	e.addr = addr
	if err := e.start(ctx); err != nil {
		return e.fail(addr, "start", err)
	}
	e.p.SendAddress(addr, false)
	e.state = StateAwaitAck
	if err := e.waitSR1(ctx, FlagADDR); err != nil {
		return e.fail(addr, "wait-addr", err)
	}
	_ = e.p.SR2()
	e.state = StateTransmitRegister
	return nil
}

// SendByte transmits one byte of the write message opened by StartMessage.
func (e *Engine) SendByte(ctx context.Context, b byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if e.state != StateTransmitRegister {
		return errNoMessage
	}
	e.p.WriteData(b)
	if err := e.waitSR1(ctx, FlagBTF); err != nil {
		return e.fail(e.addr, "send-byte", err)
	}
	return nil
}

// StopMessage waits for the data register to drain and issues a STOP.
func (e *Engine) StopMessage(ctx context.Context) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if e.state != StateTransmitRegister {
		return errNoMessage
	}
	e.state = StateStop
	if err := e.waitSR1(ctx, FlagTxE); err != nil {
		return e.fail(e.addr, "stop", err)
	}
	e.p.Stop()
	e.state = StateIdle
	return nil
}

// RecvBytes reads len(buf) bytes from addr following ReceivePlan.
func (e *Engine) RecvBytes(ctx context.Context, addr byte, buf []byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if len(buf) == 0 {
		return fmt.Errorf("i2c: empty read from %#x", addr)
	}
	if e.state != StateIdle {
		return fmt.Errorf("%w: write message to %#x still open", powerboard.ErrBusBusy, addr)
	}
	e.received = 0
	for _, step := range ReceivePlan(len(buf)) {
		if err := e.exec(ctx, step, addr, buf); err != nil {
			return e.fail(addr, step.String(), err)
		}
	}
	e.state = StateIdle
	return nil
}

func (e *Engine) exec(ctx context.Context, step Step, addr byte, buf []byte) error {
	switch step {
	case StepStart:
		e.state = StateTransmitAddress
		return e.start(ctx)
	case StepEnableAck:
		e.p.SetAck(true)
	case StepDisableAck:
		e.p.SetAck(false)
	case StepNackNext:
		e.p.SetPOS(true)
	case StepNackCurrent:
		e.p.SetPOS(false)
	case StepSendAddress:
		e.p.SendAddress(addr, true)
		e.state = StateAwaitAck
	case StepWaitAddress:
		return e.waitSR1(ctx, FlagADDR)
	case StepClearAddress:
		_ = e.p.SR2()
		e.state = StateReceiveByte
	case StepWaitRxNE:
		return e.waitSR1(ctx, FlagRxNE)
	case StepWaitBTF:
		return e.waitSR1(ctx, FlagBTF)
	case StepStop:
		e.p.Stop()
	case StepRead:
		if e.received >= len(buf) {
			return fmt.Errorf("i2c: plan reads past %d bytes", len(buf))
		}
		buf[e.received] = e.p.ReadData()
		e.received++
	case StepWaitIdle:
		e.state = StateStop
		return e.waitSR2(ctx, FlagBUSY, false)
	default:
		return fmt.Errorf("i2c: unknown step %d", step)
	}
	return nil
}

// WriteToAddr sends buffer to address in a single write message.
func (e *Engine) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := e.StartMessage(ctx, address); err != nil {
		return err
	}
	for _, b := range buffer {
		if err := e.SendByte(ctx, b); err != nil {
			return err
		}
	}
	return e.StopMessage(ctx)
}

// ReadFromAddr fills buffer from address.
func (e *Engine) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return e.RecvBytes(ctx, address, buffer)
}

// Release clears the sticky failure flag and toggles the peripheral enable
// bit to flush stale status.
func (e *Engine) Release(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return powerboard.ErrBusBusy
	}
	defer e.inFlight.Store(false)
	e.timedOut.Store(false)
	e.p.SetEnabled(false)
	e.p.SetEnabled(true)
	e.state = StateIdle
	return nil
}

// ResetWatchdog is Release without a context.
func (e *Engine) ResetWatchdog() {
	_ = e.Release(context.Background())
}

// Tx implements the periph.io and TinyGo bus contracts: an optional write
// message followed by an optional read.
func (e *Engine) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("i2c: invalid 7-bit address %#x", addr)
	}
	ctx := context.Background()
	if len(w) > 0 {
		if err := e.WriteToAddr(ctx, byte(addr), w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return e.ReadFromAddr(ctx, byte(addr), r)
	}
	return nil
}

// SetSpeed records the requested clock. The peripheral timing is fixed at
// bring-up.
func (e *Engine) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("i2c: invalid speed %s", f)
	}
	e.speed = f
	return nil
}

func (e *Engine) String() string {
	return fmt.Sprintf("i2c-engine@%s", e.speed)
}

func (e *Engine) enter() error {
	if e.timedOut.Load() {
		return ErrStalled
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return powerboard.ErrBusBusy
	}
	return nil
}

func (e *Engine) leave() {
	e.inFlight.Store(false)
}

func (e *Engine) start(ctx context.Context) error {
	e.p.Start()
	for i := 0; i < e.spinLimit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr1 := e.p.SR1()
		if err := statusError(sr1); err != nil {
			return err
		}
		if sr1.Has(FlagSB) && e.p.SR2().Has(FlagMSL|FlagBUSY) {
			return nil
		}
	}
	return ErrTimeout
}

// waitSR1 polls SR1 until any bit of mask is set. An acknowledge failure
// releases the bus with a STOP before returning ErrNack.
func (e *Engine) waitSR1(ctx context.Context, mask Flags) error {
	for i := 0; i < e.spinLimit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr1 := e.p.SR1()
		if sr1.Has(FlagAF) {
			if e.p.SR2().Has(FlagBUSY) {
				e.p.Stop()
			}
			return ErrNack
		}
		if err := statusError(sr1); err != nil {
			return err
		}
		if sr1.Has(mask) {
			return nil
		}
	}
	return ErrTimeout
}

func (e *Engine) waitSR2(ctx context.Context, mask Flags, set bool) error {
	for i := 0; i < e.spinLimit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.p.SR2().Has(mask) == set {
			return nil
		}
	}
	return ErrTimeout
}

func (e *Engine) fail(addr byte, step string, err error) error {
	e.timedOut.Store(true)
	e.state = StateIdle
	slog.Debug("i2c transaction failed", "addr", fmt.Sprintf("%#x", addr), "step", step, "error", err)
	return fmt.Errorf("i2c %#x %s: %w", addr, step, err)
}

func statusError(sr1 Flags) error {
	if sr1.Has(FlagBERR | FlagARLO) {
		return ErrBusError
	}
	return nil
}
