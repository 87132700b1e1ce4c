package main

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ProfileType 天氣情境類型
type ProfileType int

const (
	ProfileDaylight ProfileType = iota
	ProfileCloudy
	ProfileNight
)

func (p ProfileType) String() string {
	switch p {
	case ProfileDaylight:
		return "daylight"
	case ProfileCloudy:
		return "cloudy"
	case ProfileNight:
		return "night"
	default:
		return "unknown"
	}
}

// ParseProfileType 解析情境類型
func ParseProfileType(s string) ProfileType {
	switch s {
	case "daylight":
		return ProfileDaylight
	case "cloudy":
		return ProfileCloudy
	case "night":
		return ProfileNight
	default:
		return ProfileDaylight
	}
}

// ProfileHandler 情境處理介面
type ProfileHandler interface {
	Type() ProfileType
	Update(image *DeviceImage, params ProfileParams)
	Reset(image *DeviceImage)
}

// ProfileFactory 建立情境處理器；每台模擬器各自持有一份，累計值互不影響
type ProfileFactory func() ProfileHandler

// 情境處理器註冊表
var (
	profileFactories   = make(map[ProfileType]ProfileFactory)
	profileFactoriesMu sync.RWMutex
)

func init() {
	RegisterProfileHandler(ProfileDaylight, func() ProfileHandler { return &DaylightProfile{} })
	RegisterProfileHandler(ProfileCloudy, func() ProfileHandler { return &CloudyProfile{} })
	RegisterProfileHandler(ProfileNight, func() ProfileHandler { return &NightProfile{} })
}

// RegisterProfileHandler 註冊情境處理器
func RegisterProfileHandler(profileType ProfileType, factory ProfileFactory) {
	profileFactoriesMu.Lock()
	defer profileFactoriesMu.Unlock()
	profileFactories[profileType] = factory
}

// NewProfileHandler 建立新的情境處理器，未註冊時返回 nil
func NewProfileHandler(profileType ProfileType) ProfileHandler {
	profileFactoriesMu.RLock()
	factory := profileFactories[profileType]
	profileFactoriesMu.RUnlock()

	if factory == nil {
		return nil
	}
	return factory()
}

// ListProfileTypes 列出所有情境類型
func ListProfileTypes() []ProfileType {
	return []ProfileType{
		ProfileDaylight,
		ProfileCloudy,
		ProfileNight,
	}
}

// 充電狀態位元 (0x3201 bit 3-2)
const (
	chargingRunning   = 0x0001
	chargingNone      = 0x0000
	chargingFloat     = 0x0004
	chargingBoost     = 0x0008
	dischargingActive = 0x0001
)

// solarModel 共用的充電控制器物理模型
type solarModel struct {
	mu sync.Mutex

	generatedKWh float64
	consumedKWh  float64

	maxPV, minPV   float64
	maxBat, minBat float64

	lastUpdate time.Time
}

func jitter(base, variance float64) float64 {
	if variance <= 0 {
		return base
	}
	return base * (1 + (rand.Float64()*2-1)*variance)
}

// writeRated 寫入額定資料與設定參數
func (m *solarModel) writeRated(image *DeviceImage) {
	image.SetScaledValue(FuncReadInputRegisters, 0x3000, 100.0) // PV 額定電壓
	image.SetScaledValue(FuncReadInputRegisters, 0x3001, 20.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x3002, 260.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x3004, 12.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x3005, 20.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x3006, 260.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x3008, 0x0001)
	image.SetScaledValue(FuncReadInputRegisters, 0x300E, 20.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x311D, 12.0)
	image.SetScaledValue(FuncReadInputRegisters, 0x331C, 12.0)

	image.SetScaledValue(FuncReadHoldingRegisters, 0x9000, 1)   // 密封鉛酸
	image.SetScaledValue(FuncReadHoldingRegisters, 0x9001, 200) // 200Ah
	image.SetScaledValue(FuncReadHoldingRegisters, 0x9002, 3.0)
}

func (m *solarModel) apply(image *DeviceImage, params ProfileParams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.lastUpdate.IsZero() {
		m.lastUpdate = now
		m.writeRated(image)
	}

	irradiance := math.Max(0, math.Min(1, jitter(params.Irradiance, params.Variance)))

	var pvVolts, pvAmps float64
	if irradiance > 0 {
		pvVolts = params.PVOpenVoltage * (0.85 + 0.15*irradiance)
		pvAmps = 10 * irradiance
	}
	pvWatts := pvVolts * pvAmps

	batVolts := jitter(params.BatteryVolts, 0.005)
	loadAmps := jitter(params.LoadCurrent, 0.02)
	loadWatts := batVolts * loadAmps

	elapsed := now.Sub(m.lastUpdate).Hours()
	m.generatedKWh += pvWatts * elapsed / 1000
	m.consumedKWh += loadWatts * elapsed / 1000
	m.lastUpdate = now

	m.track(pvVolts, batVolts)

	chargingStatus := chargingRunning | chargingNone
	switch {
	case pvWatts > 0 && params.BatterySOC >= 95:
		chargingStatus = chargingRunning | chargingFloat
	case pvWatts > 0:
		chargingStatus = chargingRunning | chargingBoost
	}

	fc := FuncReadInputRegisters
	image.SetScaledValue(fc, 0x3100, pvVolts)
	image.SetScaledValue(fc, 0x3101, pvAmps)
	image.SetScaledValue(fc, 0x3102, pvWatts)
	image.SetScaledValue(fc, 0x3106, pvWatts*0.95)
	image.SetScaledValue(fc, 0x310C, batVolts)
	image.SetScaledValue(fc, 0x310D, loadAmps)
	image.SetScaledValue(fc, 0x310E, loadWatts)
	image.SetScaledValue(fc, 0x3110, jitter(25.0, 0.01))
	image.SetScaledValue(fc, 0x3111, jitter(30.0+irradiance*8, 0.01))
	image.SetScaledValue(fc, 0x311A, params.BatterySOC)
	image.SetScaledValue(fc, 0x311B, jitter(25.0, 0.01))

	image.SetScaledValue(fc, 0x3200, 0x0000)
	image.SetScaledValue(fc, 0x3201, float64(chargingStatus))
	image.SetScaledValue(fc, 0x3202, dischargingActive)

	image.SetScaledValue(fc, 0x3300, m.maxPV)
	image.SetScaledValue(fc, 0x3301, m.minPV)
	image.SetScaledValue(fc, 0x3302, m.maxBat)
	image.SetScaledValue(fc, 0x3303, m.minBat)
	for _, addr := range []uint16{0x3304, 0x3306, 0x3308, 0x330A} {
		image.SetScaledValue(fc, addr, m.consumedKWh)
	}
	for _, addr := range []uint16{0x330C, 0x330E, 0x3310, 0x3312} {
		image.SetScaledValue(fc, addr, m.generatedKWh)
	}
	image.SetScaledValue(fc, 0x331A, batVolts)
	image.SetScaledValue(fc, 0x331B, pvWatts*0.95/math.Max(batVolts, 1))
}

func (m *solarModel) track(pvVolts, batVolts float64) {
	if m.minBat == 0 {
		m.minPV, m.maxPV = pvVolts, pvVolts
		m.minBat, m.maxBat = batVolts, batVolts
	}
	m.maxPV = math.Max(m.maxPV, pvVolts)
	m.minPV = math.Min(m.minPV, pvVolts)
	m.maxBat = math.Max(m.maxBat, batVolts)
	m.minBat = math.Min(m.minBat, batVolts)
}

func (m *solarModel) reset(image *DeviceImage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generatedKWh, m.consumedKWh = 0, 0
	m.maxPV, m.minPV, m.maxBat, m.minBat = 0, 0, 0, 0
	for _, s := range image.catalog.Schemas(FuncReadInputRegisters) {
		image.SetScaledValue(FuncReadInputRegisters, s.Address, 0)
	}
	m.lastUpdate = time.Now()
	m.writeRated(image)
}

// withDefaults 補齊未設定的情境參數
func withDefaults(params, defaults ProfileParams) ProfileParams {
	if params.Irradiance == 0 {
		params.Irradiance = defaults.Irradiance
	}
	if params.Variance == 0 {
		params.Variance = defaults.Variance
	}
	if params.LoadCurrent == 0 {
		params.LoadCurrent = defaults.LoadCurrent
	}
	if params.BatterySOC == 0 {
		params.BatterySOC = defaults.BatterySOC
	}
	if params.BatteryVolts == 0 {
		params.BatteryVolts = defaults.BatteryVolts
	}
	if params.PVOpenVoltage == 0 {
		params.PVOpenVoltage = defaults.PVOpenVoltage
	}
	return params
}

// --- Daylight Profile ---

// DaylightProfile 晴天 - 高日照，升壓充電
type DaylightProfile struct {
	model solarModel
}

func (p *DaylightProfile) Type() ProfileType {
	return ProfileDaylight
}

func (p *DaylightProfile) Update(image *DeviceImage, params ProfileParams) {
	p.model.apply(image, withDefaults(params, ProfileParams{
		Irradiance:    0.9,
		Variance:      0.02,
		LoadCurrent:   1.5,
		BatterySOC:    80,
		BatteryVolts:  13.2,
		PVOpenVoltage: 21.6,
	}))
}

func (p *DaylightProfile) Reset(image *DeviceImage) {
	p.model.reset(image)
}

// --- Cloudy Profile ---

// CloudyProfile 多雲 - 日照低且波動大
type CloudyProfile struct {
	model solarModel
}

func (p *CloudyProfile) Type() ProfileType {
	return ProfileCloudy
}

func (p *CloudyProfile) Update(image *DeviceImage, params ProfileParams) {
	p.model.apply(image, withDefaults(params, ProfileParams{
		Irradiance:    0.3,
		Variance:      0.15,
		LoadCurrent:   1.5,
		BatterySOC:    60,
		BatteryVolts:  12.8,
		PVOpenVoltage: 19.0,
	}))
}

func (p *CloudyProfile) Reset(image *DeviceImage) {
	p.model.reset(image)
}

// --- Night Profile ---

// NightProfile 夜間 - 無 PV 輸入，負載由電池供電
type NightProfile struct {
	model solarModel
}

func (p *NightProfile) Type() ProfileType {
	return ProfileNight
}

func (p *NightProfile) Update(image *DeviceImage, params ProfileParams) {
	params = withDefaults(params, ProfileParams{
		LoadCurrent:  2.0,
		BatterySOC:   45,
		BatteryVolts: 12.4,
	})
	params.Irradiance = 0
	p.model.apply(image, params)
}

func (p *NightProfile) Reset(image *DeviceImage) {
	p.model.reset(image)
}
