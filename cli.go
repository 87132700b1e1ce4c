package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "epever",
	Short: "EPEVER 太陽能充電控制器 Modbus 讀取工具",
	Long: `透過 Modbus-RTU (或 Modbus-TCP 閘道) 讀取 EPEVER 充電控制器的暫存器，
依內建目錄轉換為物理量，並可輪詢匯出 Prometheus 指標或模擬一台控制器。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 先載入配置，日誌等級取自配置
		var err error
		appConfig, err = loadAppConfig(cmd, cfgFile)
		if err != nil {
			return err
		}

		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// readCmd 讀取單一暫存器
var readCmd = &cobra.Command{
	Use:   "read [fcode] [register]",
	Short: "讀取單一暫存器",
	Long:  "讀取單一暫存器並依目錄轉換，例如: epever read 04 3100",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := ParseFunctionCode(args[0])
		if err != nil {
			return err
		}
		addr, err := ParseRegisterAddress(args[1])
		if err != nil {
			return err
		}

		device, transport, err := buildDevice(appConfig)
		if err != nil {
			return err
		}
		defer transport.Close()

		raw, reading, err := device.Read(fc, addr)
		if reading == nil {
			if err != nil {
				return err
			}
			return fmt.Errorf("沒有讀值 (raw % x)", raw)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(reading); encErr != nil {
				return encErr
			}
			return err
		}

		printReading(*reading)
		return err
	},
}

// pollCmd 輪詢
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "輪詢目錄中的暫存器",
	Long:  "依設定間隔輪詢暫存器，可選擇啟用 Prometheus 指標伺服器。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			appConfig.Poll.Interval = interval
		}
		if regs, _ := cmd.Flags().GetStringSlice("register"); len(regs) > 0 {
			appConfig.Poll.Registers = regs
		}
		once, _ := cmd.Flags().GetBool("once")

		device, transport, err := buildDevice(appConfig)
		if err != nil {
			return err
		}
		defer transport.Close()

		var opts []PollerOption
		opts = append(opts, WithPollerLogger(logger.Named("poller")))

		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled && !once {
			metrics = NewMetricsCollector(logger.Named("metrics"))
			opts = append(opts, WithSink(metrics))
		}

		poller, err := NewPoller(device, appConfig.Poll, opts...)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if once {
			sweep := poller.PollOnce(ctx)
			for _, r := range sweep.Results {
				if r.Reading != nil {
					printReading(*r.Reading)
					continue
				}
				fmt.Printf("%-10s %s\n", r.Ref, r.Err)
			}
			return nil
		}

		if metrics != nil {
			metrics.SetPoller(poller)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = metrics.Shutdown(shutdownCtx)
			}()
		}

		return poller.Run(ctx)
	},
}

// writeCmd 寫入 (未實作)
var writeCmd = &cobra.Command{
	Use:   "write [fcode] [register] [value...]",
	Short: "寫入暫存器 (尚未支援)",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := ParseFunctionCode(args[0])
		if err != nil {
			return err
		}
		addr, err := ParseRegisterAddress(args[1])
		if err != nil {
			return err
		}

		values := make([]uint16, 0, len(args)-2)
		for _, a := range args[2:] {
			v, err := strconv.ParseUint(a, 0, 16)
			if err != nil {
				return fmt.Errorf("無效的寫入值: %q", a)
			}
			values = append(values, uint16(v))
		}

		// 不開啟傳輸層
		device := NewDevice(nil, DefaultCatalog(), WithDeviceLogger(logger))
		return device.Write(fc, addr, values)
	},
}

// catalogCmd 目錄命令組
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "暫存器目錄命令",
}

// catalogListCmd 列出目錄
var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出暫存器目錄",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := loadCatalog(appConfig)
		if err != nil {
			return err
		}

		filter, _ := cmd.Flags().GetString("fcode")
		entries, err := filterEntries(catalog, filter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s := e.Schema
			fmt.Printf("%s  %-5s %-5s %-6s %-4s x%-4d %-10s %s\n",
				e.FunctionCode, registerKey(s.Address), s.Identifier, s.Unit,
				s.Encoding, s.Scale, s.Format, s.Info)
		}
		return nil
	},
}

// catalogExportCmd 匯出目錄
var catalogExportCmd = &cobra.Command{
	Use:   "export",
	Short: "將目錄匯出為 YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		catalog, err := loadCatalog(appConfig)
		if err != nil {
			return err
		}
		if err := catalog.Save(output); err != nil {
			return err
		}

		fmt.Printf("目錄已匯出: %s (%d 個暫存器)\n", output, catalog.Len())
		return nil
	},
}

// simulateCmd 模擬器
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模擬一台 EPEVER 充電控制器",
	Long:  "以 Modbus TCP 或 RTU 提供模擬的充電控制器暫存器，數值依天氣情境變化。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profile, _ := cmd.Flags().GetString("profile"); profile != "" {
			appConfig.Simulator.Profile = profile
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			appConfig.Simulator.Listen = listen
		}
		if port, _ := cmd.Flags().GetString("serial"); port != "" {
			appConfig.Simulator.SerialPort = port
		}

		catalog, err := loadCatalog(appConfig)
		if err != nil {
			return err
		}

		sim := NewSimulator(appConfig.Simulator, catalog,
			WithSimulatorLogger(logger.Named("simulator")),
			WithSerialSettings(appConfig.Transport.Serial),
		)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := sim.Start(ctx); err != nil {
			return fmt.Errorf("啟動模擬器失敗: %w", err)
		}

		<-ctx.Done()
		logger.Info("收到關閉信號")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return sim.Stop(shutdownCtx)
	},
}

// profileListCmd 列出情境
var profileListCmd = &cobra.Command{
	Use:   "profiles",
	Short: "列出可用天氣情境",
	Run: func(cmd *cobra.Command, args []string) {
		descriptions := map[ProfileType]string{
			ProfileDaylight: "晴天，高日照，升壓充電",
			ProfileCloudy:   "多雲，日照低且波動大",
			ProfileNight:    "夜間，無 PV 輸入",
		}

		fmt.Println("可用的天氣情境:")
		for _, p := range ListProfileTypes() {
			fmt.Printf("  %-10s %s\n", p, descriptions[p])
		}
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Transport: %s\n", cfg.Transport.Mode)
		fmt.Printf("  Serial: %s %d %d%s%d\n", cfg.Transport.Serial.Port, cfg.Transport.Serial.BaudRate,
			cfg.Transport.Serial.DataBits, cfg.Transport.Serial.Parity, cfg.Transport.Serial.StopBits)
		fmt.Printf("  Poll interval: %s\n", cfg.Poll.Interval)
		fmt.Printf("  Registers: %d\n", len(cfg.Poll.Registers))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		cfg := DefaultConfig()
		cfg.Poll.Registers = []string{"04:3100", "04:3101", "04:310C", "04:311A"}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("epever version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	readCmd.Flags().Bool("json", false, "以 JSON 輸出")

	pollCmd.Flags().Bool("once", false, "只輪詢一輪並輸出結果")
	pollCmd.Flags().DurationP("interval", "i", 0, "輪詢間隔")
	pollCmd.Flags().StringSliceP("register", "r", nil, "只輪詢指定暫存器 (例如 04:3100)")

	catalogListCmd.Flags().String("fcode", "", "只列出指定功能碼")
	catalogExportCmd.Flags().StringP("output", "o", "catalog.yaml", "輸出檔案路徑")

	simulateCmd.Flags().StringP("profile", "p", "", "天氣情境 (daylight|cloudy|night)")
	simulateCmd.Flags().StringP("listen", "l", "", "TCP 監聽位址")
	simulateCmd.Flags().String("serial", "", "以 RTU 模式監聽的序列埠")

	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	catalogCmd.AddCommand(catalogListCmd, catalogExportCmd)
	simulateCmd.AddCommand(profileListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		readCmd,
		pollCmd,
		writeCmd,
		catalogCmd,
		simulateCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(NormalizeLogLevel(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// filterEntries 依功能碼篩選目錄，接受 "4"、"04"、"0x04"
func filterEntries(catalog *Catalog, fcode string) ([]CatalogEntry, error) {
	entries := catalog.Entries()
	if fcode == "" {
		return entries, nil
	}

	fc, err := ParseFunctionCode(fcode)
	if err != nil {
		return nil, err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.FunctionCode == fc {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// loadAppConfig 載入配置；只有 version、help 與 config generate 在失敗時退回預設配置
func loadAppConfig(cmd *cobra.Command, path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}

	switch cmd.Name() {
	case "version", "help", "generate":
		fmt.Fprintf(cmd.ErrOrStderr(), "警告: 載入配置失敗，使用預設配置: %v\n", err)
		return DefaultConfig(), nil
	}
	return nil, err
}

// loadCatalog 載入目錄，未指定路徑時使用內建目錄
func loadCatalog(cfg *Config) (*Catalog, error) {
	if cfg.Catalog.Path == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalogFile(cfg.Catalog.Path)
}

// buildTransport 依傳輸模式建立傳輸層
func buildTransport(cfg *Config) (Transport, error) {
	switch cfg.Transport.Mode {
	case "rtu":
		t, err := NewSerialTransport(cfg.Transport.Serial, logger.Named("rtu"))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "tcp":
		t, err := NewTCPTransport(cfg.Transport.TCP, cfg.SlaveID(), logger.Named("tcp"))
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("未知的傳輸模式: %q", cfg.Transport.Mode)
	}
}

// buildDevice 組裝目錄、傳輸層與 Device
func buildDevice(cfg *Config) (*Device, Transport, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, nil, err
	}

	device := NewDevice(transport, catalog,
		WithDeviceLogger(logger),
		WithSlaveID(cfg.SlaveID()),
		WithVersion(cfg.Version),
		WithSwapBytes(cfg.Transport.SwapBytes),
	)
	return device, transport, nil
}

func printReading(r Reading) {
	fmt.Printf("%s:%s  %-5s %12s %-4s %s\n", r.FunctionCode, r.Register, r.Identifier, r.Value, r.Unit, r.Info)
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
