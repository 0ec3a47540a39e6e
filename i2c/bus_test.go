package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestHostBus_Playback(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x40, W: []byte{0x02}},
			{Addr: 0x40, R: []byte{0x5D, 0xC0}},
		},
	}
	bus := NewHostBus(pb)
	ctx := context.Background()
	require.NoError(t, bus.WriteToAddr(ctx, 0x40, []byte{0x02}))
	buf := make([]byte, 2)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x40, buf))
	assert.Equal(t, []byte{0x5D, 0xC0}, buf)
	assert.NoError(t, pb.Close())
}

func TestHostBus_FailureIsSticky(t *testing.T) {
	pb := &i2ctest.Playback{DontPanic: true}
	bus := NewHostBus(pb)
	ctx := context.Background()

	require.Error(t, bus.WriteToAddr(ctx, 0x41, []byte{0x00}))
	assert.True(t, bus.Failed())
	assert.ErrorIs(t, bus.ReadFromAddr(ctx, 0x41, make([]byte, 2)), ErrStalled)

	require.NoError(t, bus.Release(ctx))
	assert.False(t, bus.Failed())
}

func TestHostBus_CancelledContext(t *testing.T) {
	bus := NewHostBus(&i2ctest.Playback{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.WriteToAddr(ctx, 0x40, []byte{0x00}), context.Canceled)
	assert.False(t, bus.Failed())
}

type mockBridge struct {
	mock.Mock
}

func (m *mockBridge) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *mockBridge) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *mockBridge) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestBridgeBus(t *testing.T) {
	ctx := context.Background()
	bridge := &mockBridge{}
	bridge.On("WriteToAddr", ctx, byte(0x40), []byte{0x04}).Return(nil)
	bridge.On("ReadFromAddr", ctx, byte(0x40), mock.Anything).Return([]byte{0x01, 0xF4}, nil)
	bus := NewBridgeBus(bridge)

	require.NoError(t, bus.WriteToAddr(ctx, 0x40, []byte{0x04}))
	buf := make([]byte, 2)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x40, buf))
	assert.Equal(t, []byte{0x01, 0xF4}, buf)
	bridge.AssertExpectations(t)
}

func TestBridgeBus_ReleaseForwarded(t *testing.T) {
	ctx := context.Background()
	bridge := &mockBridge{}
	bridge.On("ReadFromAddr", ctx, byte(0x41), mock.Anything).Return(nil, errors.New("usb timeout"))
	bridge.On("Release", ctx).Return(nil)
	bus := NewBridgeBus(bridge)

	err := bus.ReadFromAddr(ctx, 0x41, make([]byte, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usb timeout")
	assert.True(t, bus.Failed())

	require.NoError(t, bus.Release(ctx))
	assert.False(t, bus.Failed())
	bridge.AssertCalled(t, "Release", ctx)
}
