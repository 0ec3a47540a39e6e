package power

import (
	"context"
	"sync"
)

// MeasureBehaviorFunc produces a reading for an address.
type MeasureBehaviorFunc func(ctx context.Context, addr byte) Reading

// MockSensor is a Sensor driven by a behavior function. It records init
// calls so tests can check recovery after bus failures.
//
// Example usage:
//
//	sensor := NewMockSensor(func(ctx context.Context, addr byte) Reading {
//		return Reading{VoltageMV: 12000, Success: true}
//	})
type MockSensor struct {
	behavior MeasureBehaviorFunc

	mx      sync.Mutex
	inits   []byte
	reinits []byte
}

func NewMockSensor(behavior MeasureBehaviorFunc) *MockSensor {
	return &MockSensor{behavior: behavior}
}

func (m *MockSensor) Init(ctx context.Context, rail Rail) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.inits = append(m.inits, rail.Address)
	return nil
}

func (m *MockSensor) Reinit(ctx context.Context, rail Rail) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.reinits = append(m.reinits, rail.Address)
	return nil
}

func (m *MockSensor) Measure(ctx context.Context, addr byte) Reading {
	return m.behavior(ctx, addr)
}

// Reinits returns the addresses passed to Reinit, in call order.
func (m *MockSensor) Reinits() []byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]byte(nil), m.reinits...)
}

func (m *MockSensor) Inits() []byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]byte(nil), m.inits...)
}
