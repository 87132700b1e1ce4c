package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

const registerSpace = 1 << 16

// DeviceImage 模擬器使用的線程安全暫存器映像
type DeviceImage struct {
	mu sync.RWMutex

	inputRegisters   []uint16 // 3x - Input Registers (fc 04)
	holdingRegisters []uint16 // 4x - Holding Registers (fc 03)

	catalog *Catalog
}

// NewDeviceImage 建立暫存器映像，縮放規則取自目錄
func NewDeviceImage(catalog *Catalog) *DeviceImage {
	return &DeviceImage{
		inputRegisters:   make([]uint16, registerSpace),
		holdingRegisters: make([]uint16, registerSpace),
		catalog:          catalog,
	}
}

func (im *DeviceImage) table(fcode FunctionCode) ([]uint16, error) {
	switch fcode {
	case FuncReadInputRegisters:
		return im.inputRegisters, nil
	case FuncReadHoldingRegisters:
		return im.holdingRegisters, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunctionCode, fcode)
	}
}

// SetRaw 直接寫入原始值
func (im *DeviceImage) SetRaw(fcode FunctionCode, address uint16, value uint16) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	t, err := im.table(fcode)
	if err != nil {
		return err
	}
	t[address] = value
	return nil
}

// ReadRegisters 讀取連續暫存器
func (im *DeviceImage) ReadRegisters(fcode FunctionCode, address, quantity uint16) ([]uint16, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	t, err := im.table(fcode)
	if err != nil {
		return nil, err
	}

	end := int(address) + int(quantity)
	if end > len(t) {
		return nil, fmt.Errorf("暫存器位址超出範圍: %d-%d", address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, t[address:end])
	return result, nil
}

// --- 縮放值操作 ---

// SetScaledValue 依目錄定義寫入物理量 (雙字: 低字在 address，高字在 address+1)
func (im *DeviceImage) SetScaledValue(fcode FunctionCode, address uint16, value float64) error {
	schema, ok := im.catalog.Lookup(fcode, address)
	if !ok {
		return fmt.Errorf("%w: fc=%s register=%s", ErrRegisterNotConfigured, fcode, registerKey(address))
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	t, err := im.table(fcode)
	if err != nil {
		return err
	}

	if schema.Encoding == EncodingBitField {
		t[address] = uint16(value)
		return nil
	}

	scaled := math.Round(value * float64(schema.Scale))
	if scaled < 0 {
		scaled = 0
	}

	switch schema.Quantity {
	case 1:
		if scaled > math.MaxUint16 {
			scaled = math.MaxUint16
		}
		t[address] = uint16(scaled)
	case 2:
		if int(address)+1 >= len(t) {
			return fmt.Errorf("暫存器位址超出範圍: %d", address)
		}
		if scaled > math.MaxUint32 {
			scaled = math.MaxUint32
		}
		u32 := uint32(scaled)
		t[address] = uint16(u32)         // Low word
		t[address+1] = uint16(u32 >> 16) // High word
	}

	return nil
}

// GetScaledValue 依目錄定義讀取物理量 (雙字會合併高低字)
func (im *DeviceImage) GetScaledValue(fcode FunctionCode, address uint16) (float64, error) {
	schema, ok := im.catalog.Lookup(fcode, address)
	if !ok {
		return 0, fmt.Errorf("%w: fc=%s register=%s", ErrRegisterNotConfigured, fcode, registerKey(address))
	}

	im.mu.RLock()
	defer im.mu.RUnlock()

	t, err := im.table(fcode)
	if err != nil {
		return 0, err
	}

	if schema.Encoding == EncodingBitField {
		return float64(t[address]), nil
	}

	raw := float64(t[address])
	if schema.Quantity == 2 && int(address)+1 < len(t) {
		raw = float64(uint32(t[address+1])<<16 | uint32(t[address]))
	}
	return raw / float64(schema.Scale), nil
}

// --- 位元組轉換 ---

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}
