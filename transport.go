package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// Transport Modbus-RTU 傳輸層 (訊框建構、CRC、收發)
// 同一個 Transport 不可被重疊的讀取共用
type Transport interface {
	// Send 送出讀取請求，返回寫入的位元組數與請求訊框
	Send(fcode FunctionCode, register, quantity uint16, swapBytes bool) (int, []byte, error)

	// Receive 取得回應原始訊框
	Receive() ([]byte, error)

	// Decode 依訊框格式解析原始訊框
	Decode(raw []byte, fcode FunctionCode, format FrameFormat) (DecodedFrame, error)

	// Close 釋放底層連線
	Close() error
}

// DecodedFrame 依訊框格式解析後的回應
type DecodedFrame struct {
	SlaveID      byte
	FunctionCode byte
	ByteCount    int
	Words        []uint16
	CRC          uint16
}

var (
	ErrFrameTooShort    = errors.New("回應訊框長度不足")
	ErrCRCMismatch      = errors.New("CRC 檢查失敗")
	ErrFunctionMismatch = errors.New("回應功能碼與請求不符")
	ErrNoPendingFrame   = errors.New("沒有待接收的回應")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// modbusCRC 計算 CRC16/MODBUS
func modbusCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// appendCRC 附加 CRC，swapBytes 為 true 時低位元組在前 (線上順序)
func appendCRC(frame []byte, swapBytes bool) []byte {
	crc := modbusCRC(frame)
	if swapBytes {
		return append(frame, byte(crc), byte(crc>>8))
	}
	return append(frame, byte(crc>>8), byte(crc))
}

// buildReadRequest 建立讀取請求訊框: slave, fc, register(2), quantity(2), CRC(2)
func buildReadRequest(slaveID byte, fcode FunctionCode, register, quantity uint16, swapBytes bool) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slaveID
	frame[1] = fcode.Byte()
	binary.BigEndian.PutUint16(frame[2:], register)
	binary.BigEndian.PutUint16(frame[4:], quantity)
	return appendCRC(frame, swapBytes)
}

// buildReadResponse 將暫存器資料包成 RTU 回應訊框: slave, fc, byte count, data, CRC
func buildReadResponse(slaveID byte, fcode FunctionCode, data []byte) []byte {
	frame := make([]byte, 0, RTUHeaderLength+len(data)+RTUCRCLength)
	frame = append(frame, slaveID, fcode.Byte(), byte(len(data)))
	frame = append(frame, data...)
	return appendCRC(frame, true)
}

// checkExceptionFrame 檢查是否為 Modbus 異常回應
func checkExceptionFrame(raw []byte, fcode FunctionCode) error {
	if len(raw) >= RTUExceptionFrameLength && raw[1] == fcode.Byte()|RTUExceptionFlag {
		return &ModbusError{FunctionCode: fcode.Byte(), Code: raw[2]}
	}
	return nil
}

// verifyCRC 驗證尾端 CRC (低位元組在前)
func verifyCRC(raw []byte) error {
	if len(raw) < RTUCRCLength+1 {
		return ErrFrameTooShort
	}
	n := len(raw) - RTUCRCLength
	got := binary.LittleEndian.Uint16(raw[n:])
	want := modbusCRC(raw[:n])
	if got != want {
		return fmt.Errorf("%w: got=0x%04x want=0x%04x", ErrCRCMismatch, got, want)
	}
	return nil
}

// decodeRTUFrame 依訊框格式解析回應: header (3 bytes), Words 個大端序 16 位元字, CRC
func decodeRTUFrame(raw []byte, fcode FunctionCode, format FrameFormat, checkCRC bool) (DecodedFrame, error) {
	if err := checkExceptionFrame(raw, fcode); err != nil {
		return DecodedFrame{}, err
	}
	if len(raw) < format.Size() {
		return DecodedFrame{}, fmt.Errorf("%w: %d < %d (%s)", ErrFrameTooShort, len(raw), format.Size(), format)
	}
	if raw[1] != fcode.Byte() {
		return DecodedFrame{}, fmt.Errorf("%w: got=0x%02x want=0x%02x", ErrFunctionMismatch, raw[1], fcode.Byte())
	}
	if checkCRC {
		if err := verifyCRC(raw); err != nil {
			return DecodedFrame{}, err
		}
	}

	frame := DecodedFrame{
		SlaveID:      raw[0],
		FunctionCode: raw[1],
		ByteCount:    int(raw[2]),
		Words:        make([]uint16, format.Words),
		CRC:          binary.LittleEndian.Uint16(raw[len(raw)-RTUCRCLength:]),
	}
	for i := range frame.Words {
		off := RTUHeaderLength + i*RTUWordLength
		frame.Words[i] = binary.BigEndian.Uint16(raw[off:])
	}
	return frame, nil
}
