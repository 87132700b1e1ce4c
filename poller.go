package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PollerState 輪詢器狀態
type PollerState int32

const (
	PollerStateStopped PollerState = iota
	PollerStateRunning
	PollerStateStopping
)

func (s PollerState) String() string {
	switch s {
	case PollerStateStopped:
		return "stopped"
	case PollerStateRunning:
		return "running"
	case PollerStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// 讀取結果分類 (指標標籤)
const (
	ResultOK              = "ok"
	ResultUnsupported     = "unsupported"
	ResultShortFrame      = "short_frame"
	ResultTransportError  = "transport_error"
	ResultConversionError = "conversion_error"
)

// ClassifyResult 將 Read 的錯誤歸類
func ClassifyResult(err error) string {
	var convErr *ConversionError
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrRegisterNotConfigured):
		return ResultUnsupported
	case errors.Is(err, ErrShortFrame):
		return ResultShortFrame
	case errors.As(err, &convErr):
		return ResultConversionError
	default:
		return ResultTransportError
	}
}

// RegisterRef 功能碼 + 暫存器位址
type RegisterRef struct {
	FunctionCode FunctionCode
	Register     uint16
}

func (r RegisterRef) String() string {
	return fmt.Sprintf("%s:%s", r.FunctionCode, registerKey(r.Register))
}

// ReadResult 單次讀取結果
type ReadResult struct {
	Ref      RegisterRef
	Raw      []byte
	Reading  *Reading
	Err      error
	Duration time.Duration
}

// Result 返回結果分類
func (r ReadResult) Result() string {
	return ClassifyResult(r.Err)
}

// SweepResult 一輪輪詢的結果
type SweepResult struct {
	Started  time.Time
	Duration time.Duration
	Results  []ReadResult
	OK       int
	Failed   int
}

// ReadingSink 讀取結果的接收端
type ReadingSink interface {
	Record(result ReadResult)
}

// SweepObserver 可選: 接收整輪結果
type SweepObserver interface {
	ObserveSweep(sweep SweepResult)
}

// PollerStats 輪詢統計
type PollerStats struct {
	Sweeps    atomic.Uint64
	Reads     atomic.Uint64
	Errors    atomic.Uint64
	LastSweep atomic.Int64
}

// Poller 依序輪詢目錄中的暫存器
type Poller struct {
	device    *Device
	registers []RegisterRef
	interval  time.Duration
	delay     time.Duration
	sinks     []ReadingSink

	state atomic.Int32
	stats PollerStats

	logger *zap.Logger
}

// PollerOption Poller 配置選項
type PollerOption func(*Poller)

// WithPollerLogger 設定日誌
func WithPollerLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithSink 加入讀取結果接收端
func WithSink(sink ReadingSink) PollerOption {
	return func(p *Poller) {
		p.sinks = append(p.sinks, sink)
	}
}

// NewPoller 建立輪詢器，未指定暫存器時輪詢整個目錄
func NewPoller(device *Device, cfg PollConfig, opts ...PollerOption) (*Poller, error) {
	p := &Poller{
		device:   device,
		interval: cfg.Interval,
		delay:    cfg.Delay,
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.interval <= 0 {
		return nil, fmt.Errorf("輪詢間隔必須大於 0: %s", cfg.Interval)
	}

	if len(cfg.Registers) == 0 {
		for _, e := range device.Catalog().Entries() {
			p.registers = append(p.registers, RegisterRef{
				FunctionCode: e.FunctionCode,
				Register:     e.Schema.Address,
			})
		}
		return p, nil
	}

	for _, ref := range cfg.Registers {
		fc, addr, err := ParseRegisterRef(ref)
		if err != nil {
			return nil, err
		}
		p.registers = append(p.registers, RegisterRef{FunctionCode: fc, Register: addr})
	}
	return p, nil
}

// Registers 返回輪詢清單
func (p *Poller) Registers() []RegisterRef {
	return p.registers
}

// State 取得當前狀態
func (p *Poller) State() PollerState {
	return PollerState(p.state.Load())
}

// Stats 取得統計資訊
func (p *Poller) Stats() *PollerStats {
	return &p.stats
}

// PollOnce 依序讀取所有暫存器一輪
// 讀取之間不重疊，同一個 Transport 不會被並行使用
func (p *Poller) PollOnce(ctx context.Context) SweepResult {
	sweep := SweepResult{Started: time.Now()}

	for i, ref := range p.registers {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.delay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		start := time.Now()
		raw, reading, err := p.device.Read(ref.FunctionCode, ref.Register)
		result := ReadResult{
			Ref:      ref,
			Raw:      raw,
			Reading:  reading,
			Err:      err,
			Duration: time.Since(start),
		}

		p.stats.Reads.Add(1)
		if err != nil {
			p.stats.Errors.Add(1)
			sweep.Failed++
		} else {
			sweep.OK++
		}
		sweep.Results = append(sweep.Results, result)

		for _, sink := range p.sinks {
			sink.Record(result)
		}
	}

	sweep.Duration = time.Since(sweep.Started)
	p.stats.Sweeps.Add(1)
	p.stats.LastSweep.Store(time.Now().UnixNano())

	for _, sink := range p.sinks {
		if obs, ok := sink.(SweepObserver); ok {
			obs.ObserveSweep(sweep)
		}
	}

	p.logger.Info("輪詢完成",
		zap.Int("ok", sweep.OK),
		zap.Int("failed", sweep.Failed),
		zap.Duration("duration", sweep.Duration),
	)

	return sweep
}

// Run 立即輪詢一輪，之後依間隔重複直到 ctx 取消
func (p *Poller) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PollerStateStopped), int32(PollerStateRunning)) {
		return fmt.Errorf("輪詢器已經在運行中")
	}
	defer p.state.Store(int32(PollerStateStopped))

	p.logger.Info("開始輪詢",
		zap.Int("registers", len(p.registers)),
		zap.Duration("interval", p.interval),
		zap.Duration("delay", p.delay),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(PollerStateStopping))
			p.logger.Info("輪詢已停止", zap.Uint64("sweeps", p.stats.Sweeps.Load()))
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}
