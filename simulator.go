package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SimulatorState 模擬器狀態
type SimulatorState int32

const (
	SimulatorStateStopped SimulatorState = iota
	SimulatorStateStarting
	SimulatorStateRunning
	SimulatorStateStopping
)

func (s SimulatorState) String() string {
	switch s {
	case SimulatorStateStopped:
		return "stopped"
	case SimulatorStateStarting:
		return "starting"
	case SimulatorStateRunning:
		return "running"
	case SimulatorStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Simulator 模擬 EPEVER 充電控制器的 Modbus Slave
type Simulator struct {
	mu sync.RWMutex

	config SimulatorConfig
	serial SerialConfig

	state atomic.Int32

	image  *DeviceImage
	server *mbserver.Server

	stats SimulatorStats

	profile    ProfileType
	handler    ProfileHandler
	updateCtx  context.Context
	updateStop context.CancelFunc

	logger *zap.Logger
}

// SimulatorStats 模擬器統計資訊
type SimulatorStats struct {
	StartTime  time.Time
	Updates    atomic.Uint64
	LastUpdate atomic.Int64

	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
}

// SimulatorOption 模擬器配置選項
type SimulatorOption func(*Simulator)

// WithSimulatorLogger 設定日誌
func WithSimulatorLogger(logger *zap.Logger) SimulatorOption {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// WithSerialSettings 設定 RTU 監聽時使用的序列埠參數
func WithSerialSettings(cfg SerialConfig) SimulatorOption {
	return func(s *Simulator) {
		s.serial = cfg
	}
}

// NewSimulator 建立模擬器
func NewSimulator(cfg SimulatorConfig, catalog *Catalog, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		config:  cfg,
		serial:  DefaultConfig().Transport.Serial,
		image:   NewDeviceImage(catalog),
		profile: ParseProfileType(cfg.Profile),
	}
	s.handler = NewProfileHandler(s.profile)

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.config.UpdateInterval <= 0 {
		s.config.UpdateInterval = time.Second
	}

	return s
}

// Start 啟動模擬器
func (s *Simulator) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SimulatorStateStopped), int32(SimulatorStateStarting)) {
		return fmt.Errorf("模擬器已經在運行中")
	}

	s.server = mbserver.NewServer()
	NewRequestHandler(s.image, &s.stats, s.config, s.logger.Named("handler")).Register(s.server)

	if handler := s.profileHandler(); handler != nil {
		handler.Reset(s.image)
	}
	s.updateByProfile()

	s.stats.StartTime = time.Now()

	if err := s.listen(); err != nil {
		s.state.Store(int32(SimulatorStateStopped))
		return err
	}

	s.updateCtx, s.updateStop = context.WithCancel(ctx)
	go s.runProfileUpdater()

	s.state.Store(int32(SimulatorStateRunning))

	s.logger.Info("模擬器已啟動",
		zap.String("listen", s.config.Listen),
		zap.String("serial", s.config.SerialPort),
		zap.String("profile", s.Profile().String()),
	)

	return nil
}

func (s *Simulator) listen() error {
	if s.config.SerialPort != "" {
		cfg := &serial.Config{
			Address:  s.config.SerialPort,
			BaudRate: s.serial.BaudRate,
			DataBits: s.serial.DataBits,
			StopBits: s.serial.StopBits,
			Parity:   s.serial.Parity,
			Timeout:  s.serial.Timeout,
		}
		if err := s.server.ListenRTU(cfg); err != nil {
			return fmt.Errorf("開啟序列埠 %s 失敗: %w", s.config.SerialPort, err)
		}
		return nil
	}

	// ListenTCP 同步建立 listener，內部以 goroutine accept
	if err := s.server.ListenTCP(s.config.Listen); err != nil {
		return fmt.Errorf("監聽 %s 失敗: %w", s.config.Listen, err)
	}
	return nil
}

// Stop 停止模擬器
func (s *Simulator) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SimulatorStateRunning), int32(SimulatorStateStopping)) {
		return nil
	}

	if s.updateStop != nil {
		s.updateStop()
	}
	if s.server != nil {
		s.server.Close()
	}

	s.state.Store(int32(SimulatorStateStopped))

	s.logger.Info("模擬器已停止",
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("updates", s.stats.Updates.Load()),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
		zap.Uint64("errors", s.stats.ErrorCount.Load()),
	)

	return nil
}

// State 取得當前狀態
func (s *Simulator) State() SimulatorState {
	return SimulatorState(s.state.Load())
}

// Image 取得暫存器映像
func (s *Simulator) Image() *DeviceImage {
	return s.image
}

// Stats 取得統計資訊
func (s *Simulator) Stats() *SimulatorStats {
	return &s.stats
}

// ApplyProfile 切換天氣情境，累計值重新計算
func (s *Simulator) ApplyProfile(profile ProfileType) {
	handler := NewProfileHandler(profile)
	if handler != nil {
		handler.Reset(s.image)
	}

	s.mu.Lock()
	s.profile = profile
	s.handler = handler
	s.mu.Unlock()

	s.logger.Info("套用情境", zap.String("profile", profile.String()))
}

// Profile 取得當前情境
func (s *Simulator) Profile() ProfileType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Simulator) profileHandler() ProfileHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *Simulator) runProfileUpdater() {
	ticker := time.NewTicker(s.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.updateCtx.Done():
			return
		case <-ticker.C:
			s.updateByProfile()
		}
	}
}

// updateByProfile 依情境更新映像 (RequestHandler 直接讀取映像)
func (s *Simulator) updateByProfile() {
	s.mu.RLock()
	profile, handler := s.profile, s.handler
	s.mu.RUnlock()

	if handler == nil {
		return
	}

	params := s.config.Profiles[profile.String()]
	handler.Update(s.image, params)

	s.stats.Updates.Add(1)
	s.stats.LastUpdate.Store(time.Now().UnixNano())
}
