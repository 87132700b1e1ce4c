package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegisterSchema 單一暫存器的解讀方式 (不可變)
type RegisterSchema struct {
	Address    uint16
	Identifier string
	Unit       string
	Encoding   EncodingKind
	Scale      int
	Quantity   uint16
	Format     FrameFormat
	Info       string
}

// CatalogEntry 目錄項目: 功能碼 + 暫存器定義
type CatalogEntry struct {
	FunctionCode FunctionCode
	Schema       RegisterSchema
}

// Catalog 暫存器目錄 (功能碼 -> 暫存器位址 -> 定義)
// 建立後唯讀，可安全地在多個 goroutine 間共用
type Catalog struct {
	codes map[FunctionCode]map[string]RegisterSchema
}

// ErrUnknownFunctionCode 目錄不支援的功能碼
var ErrUnknownFunctionCode = errors.New("不支援的功能碼")

// registerKey 將暫存器位址轉為目錄鍵值 (大寫十六進位，無 0x 前綴)
func registerKey(address uint16) string {
	return strings.ToUpper(strconv.FormatUint(uint64(address), 16))
}

// NewCatalog 由目錄項目建立暫存器目錄
func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{codes: make(map[FunctionCode]map[string]RegisterSchema)}

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}

		regs, ok := c.codes[e.FunctionCode]
		if !ok {
			regs = make(map[string]RegisterSchema)
			c.codes[e.FunctionCode] = regs
		}

		key := registerKey(e.Schema.Address)
		if _, dup := regs[key]; dup {
			return nil, fmt.Errorf("重複的暫存器定義: fc=%s register=%s", e.FunctionCode, key)
		}
		regs[key] = e.Schema
	}

	return c, nil
}

func validateEntry(e CatalogEntry) error {
	s := e.Schema
	switch e.FunctionCode {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
	default:
		return fmt.Errorf("%w: %q (register %04x)", ErrUnknownFunctionCode, e.FunctionCode, s.Address)
	}
	if s.Identifier == "" {
		return fmt.Errorf("暫存器 %04x 缺少識別碼", s.Address)
	}
	if s.Scale <= 0 {
		return fmt.Errorf("暫存器 %04x 的縮放因子必須為正整數: %d", s.Address, s.Scale)
	}
	if s.Quantity < 1 || s.Quantity > 2 {
		return fmt.Errorf("暫存器 %04x 的數量必須為 1 或 2: %d", s.Address, s.Quantity)
	}
	if s.Format.Words != int(s.Quantity) {
		return fmt.Errorf("暫存器 %04x 的訊框格式 %s 與數量 %d 不符", s.Address, s.Format, s.Quantity)
	}
	return nil
}

// Lookup 查詢暫存器定義，未定義時返回 false
func (c *Catalog) Lookup(fcode FunctionCode, address uint16) (RegisterSchema, bool) {
	regs, ok := c.codes[fcode]
	if !ok {
		return RegisterSchema{}, false
	}
	s, ok := regs[registerKey(address)]
	return s, ok
}

// ListFunctionCodes 列出所有功能碼 (已排序)
func (c *Catalog) ListFunctionCodes() []FunctionCode {
	codes := make([]FunctionCode, 0, len(c.codes))
	for fc := range c.codes {
		codes = append(codes, fc)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// ListRegisters 列出功能碼下的所有暫存器鍵值 (已排序)
func (c *Catalog) ListRegisters(fcode FunctionCode) ([]string, bool) {
	regs, ok := c.codes[fcode]
	if !ok {
		return nil, false
	}

	keys := make([]string, 0, len(regs))
	for k := range regs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return regs[keys[i]].Address < regs[keys[j]].Address
	})
	return keys, true
}

// Schemas 依位址順序返回功能碼下的所有定義
func (c *Catalog) Schemas(fcode FunctionCode) []RegisterSchema {
	keys, ok := c.ListRegisters(fcode)
	if !ok {
		return nil
	}
	out := make([]RegisterSchema, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.codes[fcode][k])
	}
	return out
}

// Entries 返回所有目錄項目 (功能碼與位址排序)
func (c *Catalog) Entries() []CatalogEntry {
	var out []CatalogEntry
	for _, fc := range c.ListFunctionCodes() {
		for _, s := range c.Schemas(fc) {
			out = append(out, CatalogEntry{FunctionCode: fc, Schema: s})
		}
	}
	return out
}

// Len 返回暫存器總數
func (c *Catalog) Len() int {
	n := 0
	for _, regs := range c.codes {
		n += len(regs)
	}
	return n
}

// --- YAML 目錄檔 ---

type catalogFile struct {
	Registers []catalogFileEntry `yaml:"registers"`
}

type catalogFileEntry struct {
	FunctionCode string       `yaml:"fcode"`
	Address      string       `yaml:"address"`
	Identifier   string       `yaml:"identifier"`
	Unit         string       `yaml:"unit"`
	Encoding     EncodingKind `yaml:"convert"`
	Scale        int          `yaml:"scale"`
	Quantity     uint16       `yaml:"quantity"`
	Format       *FrameFormat `yaml:"fmt,omitempty"`
	Info         string       `yaml:"info"`
}

// LoadCatalogFile 載入 YAML 目錄檔
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取目錄檔失敗: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog 解析 YAML 目錄內容
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析目錄檔失敗: %w", err)
	}

	entries := make([]CatalogEntry, 0, len(f.Registers))
	for _, r := range f.Registers {
		fc, err := ParseFunctionCode(r.FunctionCode)
		if err != nil {
			return nil, err
		}

		addr, err := ParseRegisterAddress(r.Address)
		if err != nil {
			return nil, err
		}

		quantity := r.Quantity
		if quantity == 0 {
			quantity = 1
		}
		format := FormatForQuantity(quantity)
		if r.Format != nil {
			format = *r.Format
		}

		entries = append(entries, CatalogEntry{
			FunctionCode: fc,
			Schema: RegisterSchema{
				Address:    addr,
				Identifier: r.Identifier,
				Unit:       r.Unit,
				Encoding:   r.Encoding,
				Scale:      r.Scale,
				Quantity:   quantity,
				Format:     format,
				Info:       r.Info,
			},
		})
	}

	return NewCatalog(entries)
}

// Save 將目錄寫入 YAML 檔
func (c *Catalog) Save(path string) error {
	f := catalogFile{}
	for _, e := range c.Entries() {
		format := e.Schema.Format
		f.Registers = append(f.Registers, catalogFileEntry{
			FunctionCode: string(e.FunctionCode),
			Address:      registerKey(e.Schema.Address),
			Identifier:   e.Schema.Identifier,
			Unit:         e.Schema.Unit,
			Encoding:     e.Schema.Encoding,
			Scale:        e.Schema.Scale,
			Quantity:     e.Schema.Quantity,
			Format:       &format,
			Info:         e.Schema.Info,
		})
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("序列化目錄失敗: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入目錄檔失敗: %w", err)
	}
	return nil
}
