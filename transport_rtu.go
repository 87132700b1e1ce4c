package main

import (
	"fmt"
	"sync"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SerialTransport 透過序列埠的 Modbus-RTU 傳輸層
type SerialTransport struct {
	mu sync.Mutex

	handler   *modbus.RTUClientHandler
	verifyCRC bool

	// 最近一次請求與尚未取走的回應
	request []byte
	pending []byte

	logger *zap.Logger
}

// NewSerialTransport 建立序列埠傳輸層並開啟連接埠
func NewSerialTransport(cfg SerialConfig, logger *zap.Logger) (*SerialTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if logger.Core().Enabled(zapcore.DebugLevel) {
		handler.Logger = zap.NewStdLog(logger.Named("modbus"))
	}

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("開啟序列埠 %s 失敗: %w", cfg.Port, err)
	}

	logger.Info("序列埠已開啟",
		zap.String("port", cfg.Port),
		zap.Int("baud", cfg.BaudRate),
		zap.String("parity", cfg.Parity),
		zap.Uint8("slaveID", cfg.SlaveID),
	)

	return &SerialTransport{
		handler:   handler,
		verifyCRC: cfg.VerifyCRC,
		logger:    logger,
	}, nil
}

// Send 編碼並送出讀取請求，回應暫存待 Receive 取走
func (t *SerialTransport) Send(fcode FunctionCode, register, quantity uint16, swapBytes bool) (int, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	adu, err := encodeRTURequest(t.handler, fcode, register, quantity, swapBytes)
	if err != nil {
		return 0, nil, err
	}

	t.request = adu
	t.pending = nil

	resp, err := t.handler.Send(adu)
	if err != nil {
		return 0, adu, fmt.Errorf("序列埠收發失敗: %w", err)
	}
	t.pending = resp

	return len(adu), adu, nil
}

// encodeRTURequest 以 RTU 封裝器編碼讀取請求 (不需開啟序列埠)
func encodeRTURequest(p modbus.Packager, fcode FunctionCode, register, quantity uint16, swapBytes bool) ([]byte, error) {
	adu, err := p.Encode(&modbus.ProtocolDataUnit{
		FunctionCode: fcode.Byte(),
		Data:         RegistersToBytes([]uint16{register, quantity}),
	})
	if err != nil {
		return nil, fmt.Errorf("編碼請求失敗: %w", err)
	}

	// RTU 封裝器的 CRC 為低位元組在前
	if !swapBytes {
		n := len(adu)
		adu[n-2], adu[n-1] = adu[n-1], adu[n-2]
	}
	return adu, nil
}

// Receive 取走最近一次請求的回應
func (t *SerialTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return nil, ErrNoPendingFrame
	}
	raw := t.pending
	t.pending = nil

	if err := t.handler.Verify(t.request, raw); err != nil {
		return raw, err
	}
	return raw, nil
}

// Decode 依訊框格式解析回應
func (t *SerialTransport) Decode(raw []byte, fcode FunctionCode, format FrameFormat) (DecodedFrame, error) {
	return decodeRTUFrame(raw, fcode, format, t.verifyCRC)
}

// Close 關閉序列埠
func (t *SerialTransport) Close() error {
	return t.handler.Close()
}
