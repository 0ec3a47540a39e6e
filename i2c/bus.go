package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mklimuk/powerboard"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var _ powerboard.StickyBus = &HostBus{}

// HostBus runs the board's sensor transactions over a bus owned by an
// operating system driver (or any periph.io bus). It reproduces the sticky
// failure semantics of the Engine so drivers behave the same on a bench host
// as on the board.
type HostBus struct {
	mx       sync.Mutex
	transfer func(ctx context.Context, address byte, w, r []byte) error
	release  func(ctx context.Context) error
	failed   atomic.Bool
}

// NewHostBus wraps an already opened periph.io bus.
func NewHostBus(bus i2c.Bus) *HostBus {
	return &HostBus{
		transfer: func(_ context.Context, address byte, w, r []byte) error {
			return bus.Tx(uint16(address), w, r)
		},
	}
}

// NewBridgeBus wraps an addressable bridge such as a USB adapter. Release is
// forwarded to the bridge so it can drop a wedged transfer.
func NewBridgeBus(bridge powerboard.I2CBus) *HostBus {
	return &HostBus{
		transfer: func(ctx context.Context, address byte, w, r []byte) error {
			if len(w) > 0 {
				if err := bridge.WriteToAddr(ctx, address, w); err != nil {
					return err
				}
			}
			if len(r) > 0 {
				return bridge.ReadFromAddr(ctx, address, r)
			}
			return nil
		},
		release: bridge.Release,
	}
}

func (b *HostBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return b.tx(ctx, address, nil, buffer)
}

func (b *HostBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return b.tx(ctx, address, buffer, nil)
}

func (b *HostBus) tx(ctx context.Context, address byte, w, r []byte) error {
	if b.failed.Load() {
		return ErrStalled
	}
	if !b.mx.TryLock() {
		return powerboard.ErrBusBusy
	}
	defer b.mx.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.transfer(ctx, address, w, r); err != nil {
		b.failed.Store(true)
		slog.Debug("host bus transaction failed", "addr", fmt.Sprintf("%#x", address), "error", err)
		return fmt.Errorf("could not transfer on i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *HostBus) Failed() bool { return b.failed.Load() }

func (b *HostBus) Release(ctx context.Context) error {
	b.failed.Store(false)
	if b.release == nil {
		return nil
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.release(ctx); err != nil {
		return fmt.Errorf("could not release bridge bus: %w", err)
	}
	return nil
}

// GenericBus is a HostBus over a Linux /dev/i2c-N device.
type GenericBus struct {
	*HostBus
	closer i2c.BusCloser
}

func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		HostBus: NewHostBus(bus),
		closer:  bus,
	}, nil
}

func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	return b.closer.SetSpeed(f)
}

func (b *GenericBus) Close() error {
	return b.closer.Close()
}
