package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Logo 啟動橫幅
const Logo = `
 _____  _____  _____  _____  _____  _____
|   __||  _  ||   __||  |  ||   __|| __  |
|   __||   __||   __||  |  ||   __||    -|
|_____||__|   |_____| \___/ |_____||__|__|
`

var (
	ErrRegisterNotConfigured = errors.New("暫存器未定義")
	ErrShortFrame            = errors.New("回應過短，無法解碼")
	ErrNotImplemented        = errors.New("not implemented")
)

// Device EPEVER 充電控制器讀取器
// 除 logger 外不保留狀態，每次 Read 都是獨立的請求/解碼/轉換流程
type Device struct {
	transport Transport
	catalog   *Catalog

	slaveID   byte
	version   string
	swapBytes bool

	logger *zap.Logger
}

// DeviceOption Device 配置選項
type DeviceOption func(*Device)

// WithDeviceLogger 設定日誌
func WithDeviceLogger(logger *zap.Logger) DeviceOption {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithSlaveID 設定 Slave ID (僅用於橫幅)
func WithSlaveID(id byte) DeviceOption {
	return func(d *Device) {
		d.slaveID = id
	}
}

// WithVersion 設定版本字串 (僅用於橫幅)
func WithVersion(version string) DeviceOption {
	return func(d *Device) {
		d.version = version
	}
}

// WithSwapBytes 設定是否交換 CRC 位元組順序，EPEVER 需要交換
func WithSwapBytes(swap bool) DeviceOption {
	return func(d *Device) {
		d.swapBytes = swap
	}
}

// NewDevice 建立讀取器
func NewDevice(transport Transport, catalog *Catalog, opts ...DeviceOption) *Device {
	d := &Device{
		transport: transport,
		catalog:   catalog,
		slaveID:   DefaultSlaveID,
		swapBytes: true,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.Named("epever")

	d.logger.Info(Logo)
	d.logger.Info("EPEVER 讀取器已建立",
		zap.String("version", d.version),
		zap.Uint8("slaveID", d.slaveID),
		zap.Int("registers", catalog.Len()),
	)

	return d
}

// Catalog 取得暫存器目錄
func (d *Device) Catalog() *Catalog {
	return d.catalog
}

// Read 讀取單一暫存器
//
// 返回值:
//   - 暫存器未定義: (nil, nil, ErrRegisterNotConfigured)，不會接觸傳輸層
//   - 傳輸失敗: (nil, nil, err)
//   - 回應少於 7 bytes: (raw, nil, ErrShortFrame)
//   - 轉換失敗: (raw, reading, *ConversionError)，reading.Info 為 ConversionErrorInfo
func (d *Device) Read(fcode FunctionCode, register uint16) ([]byte, *Reading, error) {
	schema, ok := d.catalog.Lookup(fcode, register)
	if !ok {
		d.logger.Error("暫存器未定義，略過",
			zap.String("fcode", fcode.String()),
			zap.String("register", registerKey(register)),
		)
		return nil, nil, fmt.Errorf("%w: fc=%s register=%s", ErrRegisterNotConfigured, fcode, registerKey(register))
	}

	n, req, err := d.transport.Send(fcode, register, schema.Quantity, d.swapBytes)
	if err != nil {
		d.logger.Warn("送出請求失敗",
			zap.String("fcode", fcode.String()),
			zap.String("register", registerKey(register)),
			zap.Error(err),
		)
		return nil, nil, fmt.Errorf("送出請求失敗: %w", err)
	}
	d.logger.Info("SEND", zap.Binary("frame", req), zap.Int("bytes", n))

	raw, err := d.transport.Receive()
	if err != nil {
		d.logger.Warn("接收回應失敗",
			zap.String("fcode", fcode.String()),
			zap.String("register", registerKey(register)),
			zap.Error(err),
		)
		return nil, nil, fmt.Errorf("接收回應失敗: %w", err)
	}
	d.logger.Debug("收到原始回應",
		zap.String("raw", fmt.Sprintf("% x", raw)),
		zap.Int("len", len(raw)),
		zap.Stringer("fmt", schema.Format),
	)

	if len(raw) < MinDecodableFrameLength {
		d.logger.Debug("回應過短，無法解碼",
			zap.Int("len", len(raw)),
			zap.Int("min", MinDecodableFrameLength),
		)
		return raw, nil, ErrShortFrame
	}

	decoded, err := d.transport.Decode(raw, fcode, schema.Format)
	if err != nil {
		d.logger.Warn("解碼回應失敗",
			zap.String("raw", fmt.Sprintf("% x", raw)),
			zap.Error(err),
		)
		return raw, nil, fmt.Errorf("解碼回應失敗: %w", err)
	}

	reading, err := Convert(fcode, register, schema, decoded)
	if err != nil {
		d.logger.Error("轉換失敗", zap.Error(err))
		return raw, &reading, err
	}

	d.logger.Info("RECEIVE",
		zap.String("raw", fmt.Sprintf("% x", raw)),
		zap.Uint16s("decoded", decoded.Words),
		zap.String("register", reading.Register),
		zap.String("identifier", reading.Identifier),
		zap.Stringer("value", reading.Value),
		zap.String("unit", reading.Unit),
	)

	return raw, &reading, nil
}

// Write 寫入暫存器 (未實作)
func (d *Device) Write(fcode FunctionCode, register uint16, data []uint16) error {
	d.logger.Warn("not implemented yet",
		zap.String("fcode", fcode.String()),
		zap.String("register", registerKey(register)),
		zap.Int("words", len(data)),
	)
	return ErrNotImplemented
}
