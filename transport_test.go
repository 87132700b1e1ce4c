package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModbusCRC(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  []byte // 低位元組在前
	}{
		{"read request 3100", []byte{0x01, 0x04, 0x31, 0x00, 0x00, 0x01}, []byte{0x3f, 0x36}},
		{"pv voltage response", []byte{0x01, 0x04, 0x02, 0x0a, 0x81}, []byte{0x7f, 0xf0}},
		{"soc response", []byte{0x01, 0x04, 0x02, 0x00, 0x4d}, []byte{0x79, 0x05}},
		{"holding response", []byte{0x01, 0x03, 0x02, 0x00, 0x64}, []byte{0xb9, 0xaf}},
		{"exception", []byte{0x01, 0x84, 0x02}, []byte{0xc2, 0xc1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := modbusCRC(tt.frame)
			assert.Equal(t, tt.want[0], byte(crc))
			assert.Equal(t, tt.want[1], byte(crc>>8))
		})
	}
}

func TestAppendCRC_Swap(t *testing.T) {
	frame := []byte{0x01, 0x04, 0x31, 0x00, 0x00, 0x01}

	swapped := appendCRC(append([]byte{}, frame...), true)
	assert.Equal(t, []byte{0x3f, 0x36}, swapped[6:])

	plain := appendCRC(append([]byte{}, frame...), false)
	assert.Equal(t, []byte{0x36, 0x3f}, plain[6:])
}

func TestBuildReadRequest(t *testing.T) {
	req := buildReadRequest(1, FuncReadInputRegisters, 0x3100, 1, true)
	assert.Equal(t, []byte{0x01, 0x04, 0x31, 0x00, 0x00, 0x01, 0x3f, 0x36}, req)

	req = buildReadRequest(1, FuncReadInputRegisters, 0x3100, 1, false)
	assert.Equal(t, []byte{0x01, 0x04, 0x31, 0x00, 0x00, 0x01, 0x36, 0x3f}, req)
}

func TestBuildReadResponse(t *testing.T) {
	resp := buildReadResponse(1, FuncReadInputRegisters, []byte{0x0a, 0x81})
	assert.Equal(t, []byte{0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0}, resp)
}

func TestDecodeRTUFrame(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		fc     FunctionCode
		format FrameFormat
		words  []uint16
	}{
		{
			name:   "single word",
			raw:    []byte{0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0},
			fc:     FuncReadInputRegisters,
			format: FormatSingleWord,
			words:  []uint16{0x0a81},
		},
		{
			name:   "double word",
			raw:    []byte{0x01, 0x04, 0x04, 0x0a, 0x81, 0x00, 0x01, 0x69, 0xb4},
			fc:     FuncReadInputRegisters,
			format: FormatDoubleWord,
			words:  []uint16{0x0a81, 0x0001},
		},
		{
			name:   "holding register",
			raw:    []byte{0x01, 0x03, 0x02, 0x00, 0x64, 0xb9, 0xaf},
			fc:     FuncReadHoldingRegisters,
			format: FormatSingleWord,
			words:  []uint16{100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := decodeRTUFrame(tt.raw, tt.fc, tt.format, true)
			require.NoError(t, err)
			assert.Equal(t, byte(1), frame.SlaveID)
			assert.Equal(t, tt.fc.Byte(), frame.FunctionCode)
			assert.Equal(t, int(tt.raw[2]), frame.ByteCount)
			assert.Equal(t, tt.words, frame.Words)
		})
	}
}

func TestDecodeRTUFrame_Errors(t *testing.T) {
	t.Run("exception frame", func(t *testing.T) {
		_, err := decodeRTUFrame([]byte{0x01, 0x84, 0x02, 0xc2, 0xc1}, FuncReadInputRegisters, FormatSingleWord, true)
		var mbErr *ModbusError
		require.True(t, errors.As(err, &mbErr))
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), mbErr.Code)
		assert.Equal(t, byte(0x04), mbErr.FunctionCode)
	})

	t.Run("too short for format", func(t *testing.T) {
		_, err := decodeRTUFrame([]byte{0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0}, FuncReadInputRegisters, FormatDoubleWord, true)
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("function mismatch", func(t *testing.T) {
		_, err := decodeRTUFrame([]byte{0x01, 0x03, 0x02, 0x00, 0x64, 0xb9, 0xaf}, FuncReadInputRegisters, FormatSingleWord, true)
		assert.ErrorIs(t, err, ErrFunctionMismatch)
	})

	t.Run("crc mismatch", func(t *testing.T) {
		_, err := decodeRTUFrame([]byte{0x01, 0x04, 0x02, 0x0a, 0x81, 0x00, 0x00}, FuncReadInputRegisters, FormatSingleWord, true)
		assert.ErrorIs(t, err, ErrCRCMismatch)
	})

	t.Run("crc ignored", func(t *testing.T) {
		frame, err := decodeRTUFrame([]byte{0x01, 0x04, 0x02, 0x0a, 0x81, 0x00, 0x00}, FuncReadInputRegisters, FormatSingleWord, false)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0a81}, frame.Words)
	})
}

func TestFrameFormat(t *testing.T) {
	assert.Equal(t, 7, FormatSingleWord.Size())
	assert.Equal(t, 9, FormatDoubleWord.Size())
	assert.Equal(t, MinDecodableFrameLength, FormatSingleWord.Size())

	f, err := ParseFrameFormat(">BBBHHxx")
	require.NoError(t, err)
	assert.Equal(t, FormatDoubleWord, f)

	_, err = ParseFrameFormat(">BBBxx")
	assert.Error(t, err)
	_, err = ParseFrameFormat(">BBBHIxx")
	assert.Error(t, err)
}

func TestParseFunctionCode(t *testing.T) {
	tests := []struct {
		input   string
		want    FunctionCode
		wantErr bool
	}{
		{"04", FuncReadInputRegisters, false},
		{"4", FuncReadInputRegisters, false},
		{"0x03", FuncReadHoldingRegisters, false},
		{"zz", "", true},
		{"100", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			fc, err := ParseFunctionCode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fc)
		})
	}
}
