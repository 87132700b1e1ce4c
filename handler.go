package main

import (
	"math/rand"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// maxReadQuantity 單次讀取的暫存器上限 (Modbus 規範)
const maxReadQuantity = 125

// RequestHandler 模擬器的 Modbus 讀取處理器，直接讀取 DeviceImage
type RequestHandler struct {
	image  *DeviceImage
	stats  *SimulatorStats
	logger *zap.Logger

	// strict 時未列於目錄的位址回應非法資料位址，與實機一致
	strict bool

	responseDelay time.Duration
	failureRate   float64
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(image *DeviceImage, stats *SimulatorStats, cfg SimulatorConfig, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{
		image:         image,
		stats:         stats,
		logger:        logger,
		strict:        cfg.Strict,
		responseDelay: cfg.ResponseDelay,
		failureRate:   cfg.FailureRate,
	}
}

// Register 向 mbserver 註冊 FC 03 / FC 04 處理函式
func (h *RequestHandler) Register(server *mbserver.Server) {
	server.RegisterFunctionHandler(FuncReadHoldingRegisters.Byte(), h.handleRead(FuncReadHoldingRegisters))
	server.RegisterFunctionHandler(FuncReadInputRegisters.Byte(), h.handleRead(FuncReadInputRegisters))
}

// applyDelay 套用回應延遲
func (h *RequestHandler) applyDelay() {
	if h.responseDelay <= 0 {
		return
	}
	time.Sleep(h.responseDelay/2 + time.Duration(rand.Int63n(int64(h.responseDelay))))
}

// shouldFail 判斷是否模擬設備忙碌
func (h *RequestHandler) shouldFail() bool {
	if h.failureRate <= 0 {
		return false
	}
	return rand.Float64() < h.failureRate
}

func (h *RequestHandler) handleRead(fcode FunctionCode) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		h.applyDelay()

		data := frame.GetData()
		if len(data) < 4 {
			h.record(len(data), 0, true)
			return []byte{}, &mbserver.IllegalDataValue
		}

		fields := mbserver.BytesToUint16(data[:4])
		address, quantity := fields[0], fields[1]

		if h.shouldFail() {
			h.record(len(data), 0, true)
			h.logger.Debug("模擬設備忙碌", zap.String("fcode", fcode.String()), zap.Uint16("address", address))
			return []byte{}, &mbserver.SlaveDeviceBusy
		}

		if quantity == 0 || quantity > maxReadQuantity {
			h.record(len(data), 0, true)
			return []byte{}, &mbserver.IllegalDataValue
		}

		if h.strict {
			if _, ok := h.image.catalog.Lookup(fcode, address); !ok {
				h.record(len(data), 0, true)
				h.logger.Debug("讀取未定義的暫存器",
					zap.String("fcode", fcode.String()),
					zap.String("register", registerKey(address)),
				)
				return []byte{}, &mbserver.IllegalDataAddress
			}
		}

		registers, err := h.image.ReadRegisters(fcode, address, quantity)
		if err != nil {
			h.record(len(data), 0, true)
			h.logger.Debug("讀取暫存器失敗",
				zap.String("fcode", fcode.String()),
				zap.Uint16("address", address),
				zap.Uint16("quantity", quantity),
				zap.Error(err),
			)
			return []byte{}, &mbserver.IllegalDataAddress
		}

		resp := append([]byte{byte(quantity * 2)}, mbserver.Uint16ToBytes(registers)...)
		h.record(len(data), len(resp), false)
		return resp, &mbserver.Success
	}
}

// record 記錄請求
func (h *RequestHandler) record(bytesIn, bytesOut int, hasError bool) {
	if h.stats == nil {
		return
	}
	h.stats.RequestCount.Add(1)
	h.stats.LastRequestTime.Store(time.Now().UnixNano())
	h.stats.BytesReceived.Add(uint64(bytesIn))
	h.stats.BytesSent.Add(uint64(bytesOut))
	if hasError {
		h.stats.ErrorCount.Add(1)
	}
}
