package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FunctionCode Modbus 功能碼 (以兩位數字字串表示，例如 "04")
type FunctionCode string

const (
	// FuncReadHoldingRegisters 讀取保持暫存器 (設定參數，可讀寫)
	FuncReadHoldingRegisters FunctionCode = "03"
	// FuncReadInputRegisters 讀取輸入暫存器 (唯讀)
	FuncReadInputRegisters FunctionCode = "04"
)

// ParseFunctionCode 解析功能碼，接受 "4"、"04"、"0x04"
func ParseFunctionCode(s string) (FunctionCode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return "", fmt.Errorf("無效的功能碼: %q", s)
	}
	return FunctionCode(fmt.Sprintf("%02x", v)), nil
}

// Byte 返回功能碼的位元組值
func (f FunctionCode) Byte() byte {
	v, err := strconv.ParseUint(string(f), 16, 8)
	if err != nil {
		return 0
	}
	return byte(v)
}

func (f FunctionCode) String() string {
	return string(f)
}

// EncodingKind 暫存器值的編碼方式
type EncodingKind int

const (
	EncodingDecimal EncodingKind = iota
	EncodingBitField
)

func (k EncodingKind) String() string {
	switch k {
	case EncodingDecimal:
		return "dec"
	case EncodingBitField:
		return "bin"
	default:
		return "unknown"
	}
}

// ParseEncodingKind 解析編碼方式
func ParseEncodingKind(s string) (EncodingKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dec", "decimal":
		return EncodingDecimal, nil
	case "bin", "bitfield", "bit_field":
		return EncodingBitField, nil
	default:
		return EncodingDecimal, fmt.Errorf("未知的編碼方式: %q", s)
	}
}

// MarshalYAML 以字串形式輸出
func (k EncodingKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML 由字串解析
func (k *EncodingKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseEncodingKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalJSON 以字串形式輸出
func (k EncodingKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON 由字串解析
func (k *EncodingKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEncodingKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// RTU 訊框常數
const (
	RTUHeaderLength = 3 // slave id + function code + byte count
	RTUCRCLength    = 2
	RTUWordLength   = 2

	// MinDecodableFrameLength 可解碼的最短回應長度 (header + 1 word + CRC)
	MinDecodableFrameLength = RTUHeaderLength + RTUWordLength + RTUCRCLength

	RTUExceptionFrameLength = 5
	RTUExceptionFlag        = 0x80

	DefaultSlaveID = 1
)

// FrameFormat 回應訊框的位元組佈局: 3 位元組 header、Words 個 16 位元字、2 位元組 CRC
type FrameFormat struct {
	Words int
}

var (
	FormatSingleWord = FrameFormat{Words: 1} // >BBBHxx
	FormatDoubleWord = FrameFormat{Words: 2} // >BBBHHxx
)

// Size 返回訊框總長度
func (f FrameFormat) Size() int {
	return RTUHeaderLength + f.Words*RTUWordLength + RTUCRCLength
}

// String 以 struct 佈局字串表示，例如 ">BBBHxx"
func (f FrameFormat) String() string {
	return ">BBB" + strings.Repeat("H", f.Words) + "xx"
}

// ParseFrameFormat 解析佈局字串 (">BBBHxx" / ">BBBHHxx")
func ParseFrameFormat(s string) (FrameFormat, error) {
	body := strings.TrimSpace(s)
	if !strings.HasPrefix(body, ">BBB") || !strings.HasSuffix(body, "xx") {
		return FrameFormat{}, fmt.Errorf("無效的訊框格式: %q", s)
	}
	words := strings.TrimSuffix(strings.TrimPrefix(body, ">BBB"), "xx")
	if words == "" || strings.Trim(words, "H") != "" {
		return FrameFormat{}, fmt.Errorf("無效的訊框格式: %q", s)
	}
	return FrameFormat{Words: len(words)}, nil
}

// FormatForQuantity 依暫存器數量選擇訊框格式
func FormatForQuantity(quantity uint16) FrameFormat {
	return FrameFormat{Words: int(quantity)}
}

// MarshalYAML 以佈局字串輸出
func (f FrameFormat) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// UnmarshalYAML 由佈局字串解析
func (f *FrameFormat) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseFrameFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Modbus 異常碼
const (
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B
)

// ModbusError Modbus 異常回應
type ModbusError struct {
	FunctionCode byte
	Code         uint8
}

func (e *ModbusError) Error() string {
	var name string
	switch e.Code {
	case ExceptionCodeIllegalFunction:
		name = "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		name = "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		name = "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		name = "從站設備故障"
	case ExceptionCodeAcknowledge:
		name = "確認"
	case ExceptionCodeSlaveDeviceBusy:
		name = "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		name = "記憶體同位錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		name = "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		name = "閘道目標無回應"
	default:
		name = "未知錯誤"
	}
	return fmt.Sprintf("modbus 異常 (fc=0x%02x, code=%d): %s", e.FunctionCode, e.Code, name)
}
