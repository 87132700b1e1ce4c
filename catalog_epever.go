package main

// EPEVER 暫存器識別碼分組:
//   A  額定資料 (rated datum)
//   B  即時資料 (real-time datum)
//   C  即時狀態 (real-time status, 16 位元旗標)
//   D  統計參數 (statistical parameters)
//   E  設定參數 (setting parameters, 保持暫存器)

func dec(address uint16, id, unit string, scale int, info string) RegisterSchema {
	return RegisterSchema{
		Address:    address,
		Identifier: id,
		Unit:       unit,
		Encoding:   EncodingDecimal,
		Scale:      scale,
		Quantity:   1,
		Format:     FormatSingleWord,
		Info:       info,
	}
}

// dec32 低字在 address，高字在 address+1
func dec32(address uint16, id, unit string, scale int, info string) RegisterSchema {
	s := dec(address, id, unit, scale, info)
	s.Quantity = 2
	s.Format = FormatDoubleWord
	return s
}

func bits(address uint16, id string, scale int, info string) RegisterSchema {
	s := dec(address, id, "-", scale, info)
	s.Encoding = EncodingBitField
	return s
}

var epeverHoldingRegisters = []RegisterSchema{
	dec(0x9000, "E1", "identifier", 1, "Battery type"),
	dec(0x9001, "E2", "Ah", 100, "Battery capacity"),
	dec(0x9002, "E3", "mV", 100, "Temperature compensation coefficient"),
}

var epeverInputRegisters = []RegisterSchema{
	dec(0x3000, "A1", "V", 100, "PV array rated voltage"),
	dec(0x3001, "A2", "A", 100, "PV array rated current"),
	dec32(0x3002, "A3", "W", 100, "PV array rated power (L=0x3002, H=0x3003)"),
	dec(0x3004, "A5", "V", 100, "Rated voltage to battery"),
	dec(0x3005, "A6", "A", 100, "Rated current to battery"),
	dec32(0x3006, "A7", "W", 100, "Rated power to battery (L=0x3006, H=0x3007)"),
	bits(0x3008, "A9", 100, "Charging mode connect/disconnect"),
	dec(0x300E, "A10", "W", 100, "Rated current of load"),

	dec(0x3100, "B1", "V", 100, "Solar charger PV voltage"),
	dec(0x3101, "B2", "A", 100, "Solar charger PV current"),
	dec32(0x3102, "B3", "W", 100, "PV power (L=0x3102, H=0x3103)"),
	dec32(0x3106, "B7", "W", 100, "Battery charging power (L=0x3106, H=0x3107)"),
	dec(0x310C, "B13", "V", 100, "Load voltage"),
	dec(0x310D, "B14", "A", 100, "Load current"),
	dec32(0x310E, "B15", "W", 100, "Load power (L=0x310E, H=0x310F)"),
	dec(0x3110, "B17", "°C", 100, "Battery temperature"),
	dec(0x3111, "B18", "°C", 100, "Temperature inside charger"),
	dec(0x311A, "B27", "%%", 1, "Battery SOC"),
	dec(0x311B, "B28", "°C", 100, "Battery temperature remote sensor"),
	dec(0x311D, "B30", "V", 100, "Current system rated voltage"),

	bits(0x3200, "C1", 1, "Battery status 16 bit field"),
	bits(0x3201, "C2", 1, "Charging equipment status 16 bit field"),
	bits(0x3202, "C27", 1, "Discharging equipment status 16 bit field"),

	dec(0x3300, "D0", "V", 100, "Max PV voltage today"),
	dec(0x3301, "D1", "V", 100, "Min PV voltage today"),
	dec(0x3302, "D2", "V", 100, "Max battery voltage today"),
	dec(0x3303, "D3", "V", 100, "Min battery voltage today"),
	dec32(0x3304, "D4", "kWh", 100, "Consumed energy today L(D4) H(D5)"),
	dec32(0x3306, "D6", "kWh", 100, "Consumed energy month L(D6) H(D7)"),
	dec32(0x3308, "D8", "kWh", 100, "Consumed energy year L(D8) H(D9)"),
	dec32(0x330A, "D10", "kWh", 100, "Consumed energy total L(D10) H(D11)"),
	dec32(0x330C, "D12", "kWh", 100, "Generated energy today L(D12) H(D13)"),
	dec32(0x330E, "D14", "kWh", 100, "Generated energy month L(D14) H(D15)"),
	dec32(0x3310, "D16", "kWh", 100, "Generated energy year L(D16) H(D17)"),
	dec32(0x3312, "D18", "kWh", 100, "Generated energy total L(D18) H(D19)"),
	dec(0x331A, "D26", "V", 100, "Battery voltage"),
	dec(0x331B, "D27", "A", 100, "Battery current"),
	dec(0x331C, "D28", "V", 100, "Current system rated voltage"),
}

// DefaultCatalog 返回內建的 EPEVER 暫存器目錄
func DefaultCatalog() *Catalog {
	entries := make([]CatalogEntry, 0, len(epeverHoldingRegisters)+len(epeverInputRegisters))
	for _, s := range epeverHoldingRegisters {
		entries = append(entries, CatalogEntry{FunctionCode: FuncReadHoldingRegisters, Schema: s})
	}
	for _, s := range epeverInputRegisters {
		entries = append(entries, CatalogEntry{FunctionCode: FuncReadInputRegisters, Schema: s})
	}

	c, err := NewCatalog(entries)
	if err != nil {
		// 內建表格有誤屬於程式錯誤
		panic(err)
	}
	return c
}
