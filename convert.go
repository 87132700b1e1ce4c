package main

import (
	"fmt"
)

// ConversionErrorInfo 轉換失敗時寫入 Reading.Info 的標記
const ConversionErrorInfo = "internal conversion error"

// Value 轉換後的暫存器值
type Value struct {
	Kind   EncodingKind `json:"kind"`
	Number float64      `json:"number"`
	Bits   string       `json:"bits,omitempty"`
}

// String 十進位值輸出數字，位元欄位輸出 16 字元二進位字串
func (v Value) String() string {
	if v.Kind == EncodingBitField {
		return v.Bits
	}
	return fmt.Sprintf("%g", v.Number)
}

// Reading 單次讀取的轉換結果
type Reading struct {
	FunctionCode FunctionCode `json:"fcode"`
	Register     string       `json:"register"`
	Len          int          `json:"len"`
	Identifier   string       `json:"identifier"`
	Unit         string       `json:"unit"`
	Info         string       `json:"info"`
	Value        Value        `json:"value"`

	// LowWordOnly 雙字暫存器目前只取低字
	LowWordOnly bool `json:"low_word_only,omitempty"`
}

// ConversionError 轉換失敗
type ConversionError struct {
	FunctionCode FunctionCode
	Register     uint16
	Reason       string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("轉換失敗 (fc=%s register=%04x): %s", e.FunctionCode, e.Register, e.Reason)
}

// Convert 依暫存器定義將解碼後的訊框轉為 Reading
// 失敗時返回 Info 為 ConversionErrorInfo、其餘欄位為零值的 Reading 與 *ConversionError
func Convert(fcode FunctionCode, register uint16, schema RegisterSchema, frame DecodedFrame) (reading Reading, err error) {
	fail := func(reason string) (Reading, error) {
		return Reading{Info: ConversionErrorInfo}, &ConversionError{
			FunctionCode: fcode,
			Register:     register,
			Reason:       reason,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			reading, err = fail(fmt.Sprint(r))
		}
	}()

	if len(frame.Words) == 0 {
		return fail("訊框中沒有資料字")
	}
	if schema.Scale <= 0 {
		return fail(fmt.Sprintf("無效的縮放因子: %d", schema.Scale))
	}

	word := frame.Words[0]

	var value Value
	switch schema.Encoding {
	case EncodingDecimal:
		value = Value{Kind: EncodingDecimal, Number: float64(word) / float64(schema.Scale)}
	case EncodingBitField:
		value = Value{Kind: EncodingBitField, Number: float64(word), Bits: formatBits(word)}
	default:
		return fail(fmt.Sprintf("未知的編碼方式: %d", schema.Encoding))
	}

	return Reading{
		FunctionCode: fcode,
		Register:     fmt.Sprintf("%04x", register),
		Len:          frame.ByteCount,
		Identifier:   schema.Identifier,
		Unit:         schema.Unit,
		Info:         schema.Info,
		Value:        value,
		LowWordOnly:  schema.Quantity > 1,
	}, nil
}

// formatBits 16 位元二進位字串，高位在前，左補零
func formatBits(word uint16) string {
	return fmt.Sprintf("%016b", word)
}
