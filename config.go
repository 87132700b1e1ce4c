package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config 全域配置
type Config struct {
	Version   string          `json:"version" mapstructure:"version"`
	Transport TransportConfig `json:"transport" mapstructure:"transport"`
	Catalog   CatalogConfig   `json:"catalog" mapstructure:"catalog"`
	Poll      PollConfig      `json:"poll" mapstructure:"poll"`
	Simulator SimulatorConfig `json:"simulator" mapstructure:"simulator"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// TransportConfig 傳輸層配置
type TransportConfig struct {
	Mode      string       `json:"mode" mapstructure:"mode"` // rtu | tcp
	SwapBytes bool         `json:"swap_bytes" mapstructure:"swap_bytes"`
	Serial    SerialConfig `json:"serial" mapstructure:"serial"`
	TCP       TCPConfig    `json:"tcp" mapstructure:"tcp"`
}

// SerialConfig 序列埠配置
type SerialConfig struct {
	Port      string        `json:"port" mapstructure:"port"`
	BaudRate  int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits  int           `json:"data_bits" mapstructure:"data_bits"`
	Parity    string        `json:"parity" mapstructure:"parity"`
	StopBits  int           `json:"stop_bits" mapstructure:"stop_bits"`
	SlaveID   uint8         `json:"slave_id" mapstructure:"slave_id"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	VerifyCRC bool          `json:"verify_crc" mapstructure:"verify_crc"`
}

// TCPConfig Modbus TCP 閘道配置
type TCPConfig struct {
	Address string        `json:"address" mapstructure:"address"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// CatalogConfig 暫存器目錄配置 (空路徑使用內建目錄)
type CatalogConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PollConfig 輪詢配置
type PollConfig struct {
	Interval  time.Duration `json:"interval" mapstructure:"interval"`
	Delay     time.Duration `json:"delay" mapstructure:"delay"`
	Registers []string      `json:"registers" mapstructure:"registers"` // 例如 "04:3100"，空表示全部
}

// SimulatorConfig 模擬器配置
type SimulatorConfig struct {
	Listen         string                   `json:"listen" mapstructure:"listen"`
	SerialPort     string                   `json:"serial_port" mapstructure:"serial_port"`
	Profile        string                   `json:"profile" mapstructure:"profile"`
	UpdateInterval time.Duration            `json:"update_interval" mapstructure:"update_interval"`
	Strict         bool                     `json:"strict" mapstructure:"strict"`
	ResponseDelay  time.Duration            `json:"response_delay" mapstructure:"response_delay"`
	FailureRate    float64                  `json:"failure_rate" mapstructure:"failure_rate"`
	Profiles       map[string]ProfileParams `json:"profiles" mapstructure:"profiles"`
}

// ProfileParams 天氣情境參數
type ProfileParams struct {
	Irradiance    float64 `json:"irradiance" mapstructure:"irradiance"` // 0..1
	Variance      float64 `json:"variance" mapstructure:"variance"`
	LoadCurrent   float64 `json:"load_current" mapstructure:"load_current"`
	BatterySOC    float64 `json:"battery_soc" mapstructure:"battery_soc"`
	BatteryVolts  float64 `json:"battery_volts" mapstructure:"battery_volts"`
	PVOpenVoltage float64 `json:"pv_open_voltage" mapstructure:"pv_open_voltage"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"` // json | console
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Transport: TransportConfig{
			Mode:      "rtu",
			SwapBytes: true,
			Serial: SerialConfig{
				Port:      "/dev/ttyUSB0",
				BaudRate:  115200,
				DataBits:  8,
				Parity:    "N",
				StopBits:  1,
				SlaveID:   DefaultSlaveID,
				Timeout:   2 * time.Second,
				VerifyCRC: true,
			},
			TCP: TCPConfig{
				Address: "127.0.0.1:5020",
				Timeout: 2 * time.Second,
			},
		},
		Poll: PollConfig{
			Interval: 10 * time.Second,
			Delay:    0,
		},
		Simulator: SimulatorConfig{
			Listen:         "0.0.0.0:5020",
			Profile:        "daylight",
			UpdateInterval: 1 * time.Second,
			Strict:         true,
			Profiles: map[string]ProfileParams{
				"daylight": {
					Irradiance:    0.9,
					Variance:      0.02,
					LoadCurrent:   1.5,
					BatterySOC:    80,
					BatteryVolts:  13.2,
					PVOpenVoltage: 21.6,
				},
				"cloudy": {
					Irradiance:    0.3,
					Variance:      0.15,
					LoadCurrent:   1.5,
					BatterySOC:    60,
					BatteryVolts:  12.8,
					PVOpenVoltage: 19.0,
				},
				"night": {
					Irradiance:   0,
					LoadCurrent:  2.0,
					BatterySOC:   45,
					BatteryVolts: 12.4,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/epever/")
		v.AddConfigPath("$HOME/.epever/")
	}

	// 環境變數覆蓋
	v.SetEnvPrefix("EPEVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("logging.level", "EPEVER_LOGLEVEL")
	_ = v.BindEnv("version", "EPEVER_VERSION")
	_ = v.BindEnv("transport.mode")
	_ = v.BindEnv("transport.serial.port")
	_ = v.BindEnv("transport.tcp.address")
	_ = v.BindEnv("catalog.path")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}
	cfg.Logging.Level = NormalizeLogLevel(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// NormalizeLogLevel 將 WARNING、CRITICAL 等等級名稱轉為 zap 的等級
func NormalizeLogLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	switch l {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	case "notset":
		return "debug"
	}
	return l
}

// Validate 驗證配置
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "rtu":
		if err := c.Transport.Serial.Validate(); err != nil {
			return err
		}
	case "tcp":
		if c.Transport.TCP.Address == "" {
			return fmt.Errorf("tcp 模式必須指定 address")
		}
	default:
		return fmt.Errorf("未知的傳輸模式: %q", c.Transport.Mode)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("輪詢間隔必須大於 0")
	}
	for _, ref := range c.Poll.Registers {
		if _, _, err := ParseRegisterRef(ref); err != nil {
			return err
		}
	}

	if c.Simulator.FailureRate < 0 || c.Simulator.FailureRate > 1 {
		return fmt.Errorf("模擬失敗率必須介於 0 與 1: %v", c.Simulator.FailureRate)
	}

	if _, err := zapcore.ParseLevel(NormalizeLogLevel(c.Logging.Level)); err != nil {
		return fmt.Errorf("無效的日誌等級: %q", c.Logging.Level)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
	}

	return nil
}

// Validate 驗證序列埠配置
func (s *SerialConfig) Validate() error {
	if s.Port == "" {
		return fmt.Errorf("rtu 模式必須指定序列埠")
	}
	if s.BaudRate <= 0 {
		return fmt.Errorf("無效的鮑率: %d", s.BaudRate)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return fmt.Errorf("無效的資料位元: %d", s.DataBits)
	}
	switch s.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("無效的同位檢查: %q", s.Parity)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("無效的停止位元: %d", s.StopBits)
	}
	if s.SlaveID < 1 || s.SlaveID > 247 {
		return fmt.Errorf("無效的 Slave ID: %d", s.SlaveID)
	}
	return nil
}

// SlaveID 返回目前傳輸模式使用的 Slave ID
func (c *Config) SlaveID() byte {
	if c.Transport.Serial.SlaveID == 0 {
		return DefaultSlaveID
	}
	return c.Transport.Serial.SlaveID
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ParseRegisterRef 解析 "fcode:register" 形式的暫存器參照，例如 "04:3100"
func ParseRegisterRef(ref string) (FunctionCode, uint16, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("無效的暫存器參照: %q (格式 fcode:register)", ref)
	}

	fc, err := ParseFunctionCode(parts[0])
	if err != nil {
		return "", 0, err
	}

	addr, err := ParseRegisterAddress(parts[1])
	if err != nil {
		return "", 0, err
	}
	return fc, addr, nil
}

// ParseRegisterAddress 解析十六進位暫存器位址，接受 "3100" 與 "0x3100"
func ParseRegisterAddress(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("無效的暫存器位址: %q", s)
	}
	return uint16(v), nil
}
