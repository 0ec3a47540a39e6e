package powerboard

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (transaction not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// StickyBus is a bus that latches the first failed transaction. Once Failed
// reports true every further operation fails immediately until Release is
// called.
type StickyBus interface {
	I2CBus
	Failed() bool
}
