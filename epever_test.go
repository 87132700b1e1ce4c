package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTransport 回傳預設的原始回應
type fakeTransport struct {
	responses map[uint16][]byte
	sendErr   error
	recvErr   error

	sends    int
	lastQty  uint16
	lastSwap bool
	pending  []byte
}

func (f *fakeTransport) Send(fcode FunctionCode, register, quantity uint16, swapBytes bool) (int, []byte, error) {
	f.sends++
	f.lastQty = quantity
	f.lastSwap = swapBytes
	if f.sendErr != nil {
		return 0, nil, f.sendErr
	}
	req := buildReadRequest(DefaultSlaveID, fcode, register, quantity, swapBytes)
	f.pending = f.responses[register]
	return len(req), req, nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	return f.pending, nil
}

func (f *fakeTransport) Decode(raw []byte, fcode FunctionCode, format FrameFormat) (DecodedFrame, error) {
	return decodeRTUFrame(raw, fcode, format, true)
}

func (f *fakeTransport) Close() error {
	return nil
}

func newTestDevice(tr Transport, catalog *Catalog) *Device {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return NewDevice(tr, catalog, WithDeviceLogger(zap.NewNop()))
}

func TestDevice_ReadDecimal(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3100: {0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0},
	}}
	d := newTestDevice(tr, nil)

	raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
	require.NoError(t, err)
	require.NotNil(t, reading)

	assert.Equal(t, tr.responses[0x3100], raw)
	assert.InDelta(t, 26.89, reading.Value.Number, 1e-9)
	assert.Equal(t, "3100", reading.Register)
	assert.Equal(t, "V", reading.Unit)
	assert.Equal(t, uint16(1), tr.lastQty)
	assert.True(t, tr.lastSwap, "預設交換 CRC 位元組")
}

func TestDevice_ReadBatterySOC(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x311A: {0x01, 0x04, 0x02, 0x00, 0x4d, 0x79, 0x05},
	}}
	d := newTestDevice(tr, nil)

	_, reading, err := d.Read(FuncReadInputRegisters, 0x311A)
	require.NoError(t, err)

	assert.Equal(t, 77.0, reading.Value.Number)
	assert.Equal(t, "%%", reading.Unit)
	assert.Equal(t, "B27", reading.Identifier)
	assert.Equal(t, "311a", reading.Register)
}

func TestDevice_ReadBitField(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3200: {0x01, 0x04, 0x02, 0x00, 0x05, 0x79, 0x33},
	}}
	d := newTestDevice(tr, nil)

	_, reading, err := d.Read(FuncReadInputRegisters, 0x3200)
	require.NoError(t, err)

	assert.Equal(t, "0000000000000101", reading.Value.Bits)
	assert.Equal(t, "-", reading.Unit)
}

func TestDevice_ReadHoldingRegister(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x9001: {0x01, 0x03, 0x02, 0x00, 0x64, 0xb9, 0xaf},
	}}
	d := newTestDevice(tr, nil)

	_, reading, err := d.Read(FuncReadHoldingRegisters, 0x9001)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, reading.Value.Number, 1e-9)
	assert.Equal(t, FuncReadHoldingRegisters, reading.FunctionCode)
}

func TestDevice_ReadDoubleWord(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3102: {0x01, 0x04, 0x04, 0x0a, 0x81, 0x00, 0x01, 0x69, 0xb4},
	}}
	d := newTestDevice(tr, nil)

	_, reading, err := d.Read(FuncReadInputRegisters, 0x3102)
	require.NoError(t, err)

	assert.Equal(t, uint16(2), tr.lastQty)
	assert.True(t, reading.LowWordOnly)
	assert.InDelta(t, 26.89, reading.Value.Number, 1e-9)
}

func TestDevice_UnsupportedRegister(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDevice(tr, nil)

	tests := []struct {
		name string
		fc   FunctionCode
		reg  uint16
	}{
		{"unknown register", FuncReadInputRegisters, 0x1234},
		{"wrong function code", FuncReadHoldingRegisters, 0x3100},
		{"unknown function code", FunctionCode("06"), 0x3100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, reading, err := d.Read(tt.fc, tt.reg)
			assert.ErrorIs(t, err, ErrRegisterNotConfigured)
			assert.Nil(t, raw)
			assert.Nil(t, reading)
		})
	}

	assert.Equal(t, 0, tr.sends, "未定義的暫存器不接觸傳輸層")
}

func TestDevice_UnsupportedRegisterLogsError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d := NewDevice(&fakeTransport{}, DefaultCatalog(), WithDeviceLogger(zap.New(core)))

	_, _, err := d.Read(FuncReadInputRegisters, 0x1234)
	require.Error(t, err)
	assert.Equal(t, 1, logs.Len())
}

func TestDevice_ShortFrame(t *testing.T) {
	short := []byte{0x01, 0x84, 0x02, 0xc2, 0xc1}
	tr := &fakeTransport{responses: map[uint16][]byte{0x3100: short}}
	d := newTestDevice(tr, nil)

	raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
	assert.ErrorIs(t, err, ErrShortFrame)
	assert.Equal(t, short, raw)
	assert.Nil(t, reading)
}

func TestDevice_TransportErrors(t *testing.T) {
	boom := errors.New("port closed")

	t.Run("send", func(t *testing.T) {
		d := newTestDevice(&fakeTransport{sendErr: boom}, nil)
		raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, raw)
		assert.Nil(t, reading)
	})

	t.Run("receive", func(t *testing.T) {
		d := newTestDevice(&fakeTransport{recvErr: boom}, nil)
		raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, raw)
		assert.Nil(t, reading)
	})
}

func TestDevice_CRCMismatch(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3100: {0x01, 0x04, 0x02, 0x0a, 0x81, 0x00, 0x00},
	}}
	d := newTestDevice(tr, nil)

	raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
	assert.ErrorIs(t, err, ErrCRCMismatch)
	assert.NotNil(t, raw)
	assert.Nil(t, reading)
}

func TestDevice_ConversionError(t *testing.T) {
	schema := dec(0x3100, "B1", "V", 100, "PV voltage")
	schema.Encoding = EncodingKind(7)
	catalog := &Catalog{codes: map[FunctionCode]map[string]RegisterSchema{
		FuncReadInputRegisters: {"3100": schema},
	}}

	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3100: {0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0},
	}}
	d := newTestDevice(tr, catalog)

	raw, reading, err := d.Read(FuncReadInputRegisters, 0x3100)
	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.NotNil(t, raw)
	require.NotNil(t, reading)
	assert.Equal(t, ConversionErrorInfo, reading.Info)
}

func TestDevice_SwapBytesOption(t *testing.T) {
	tr := &fakeTransport{responses: map[uint16][]byte{
		0x3100: {0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0},
	}}
	d := NewDevice(tr, DefaultCatalog(), WithSwapBytes(false))

	_, _, err := d.Read(FuncReadInputRegisters, 0x3100)
	require.NoError(t, err)
	assert.False(t, tr.lastSwap)
}

func TestDevice_Write(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr := &fakeTransport{}
	d := NewDevice(tr, DefaultCatalog(), WithDeviceLogger(zap.New(core)))

	err := d.Write(FuncReadHoldingRegisters, 0x9000, []uint16{1})
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, 0, tr.sends)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "not implemented yet", logs.All()[0].Message)
}

func TestNewDevice_Banner(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewDevice(&fakeTransport{}, DefaultCatalog(),
		WithDeviceLogger(zap.New(core)),
		WithVersion("1.2.3"),
		WithSlaveID(3),
	)

	require.GreaterOrEqual(t, logs.Len(), 2)
	assert.Equal(t, Logo, logs.All()[0].Message)
	assert.Equal(t, "1.2.3", logs.All()[1].ContextMap()["version"])
}
