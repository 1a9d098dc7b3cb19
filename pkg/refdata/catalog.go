// Package refdata holds the static symbol catalog: per-symbol reference
// prices used for notional checks when an order carries no limit price.
package refdata

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SymbolSpec describes one tradable symbol.
type SymbolSpec struct {
	Symbol   string  `yaml:"symbol"`
	RefPrice float64 `yaml:"ref_price"`
}

// Catalog resolves symbols to their specs. Read-mostly; safe for
// concurrent use.
type Catalog struct {
	mu            sync.RWMutex
	specs         map[string]SymbolSpec
	fallbackPrice float64
}

// defaultSpecs mirrors the built-in catalog used when no YAML file is
// configured: metals around 2000, FX pairs around 1.10.
var defaultSpecs = []SymbolSpec{
	{Symbol: "XAUUSD", RefPrice: 2000.0},
	{Symbol: "XAGUSD", RefPrice: 25.0},
	{Symbol: "EURUSD", RefPrice: 1.10},
	{Symbol: "GBPUSD", RefPrice: 1.27},
	{Symbol: "USDJPY", RefPrice: 150.0},
}

// NewCatalog builds the built-in catalog.
func NewCatalog() *Catalog {
	c := &Catalog{specs: make(map[string]SymbolSpec), fallbackPrice: 1.10}
	for _, s := range defaultSpecs {
		c.specs[s.Symbol] = s
	}
	return c
}

type catalogFile struct {
	FallbackPrice float64      `yaml:"fallback_price"`
	Symbols       []SymbolSpec `yaml:"symbols"`
}

// LoadCatalog reads a YAML symbol catalog from path. Entries replace the
// built-in defaults symbol by symbol.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse symbol catalog: %w", err)
	}

	c := NewCatalog()
	if file.FallbackPrice > 0 {
		c.fallbackPrice = file.FallbackPrice
	}
	for _, s := range file.Symbols {
		if s.Symbol == "" || s.RefPrice <= 0 {
			return nil, fmt.Errorf("invalid catalog entry %q (ref_price %v)", s.Symbol, s.RefPrice)
		}
		c.specs[strings.ToUpper(s.Symbol)] = s
	}
	return c, nil
}

// Spec returns the spec for a symbol. Unknown symbols get the fallback
// reference price so admission never hard-fails on missing reference data.
func (c *Catalog) Spec(symbol string) SymbolSpec {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.specs[symbol]; ok {
		return s
	}
	// Metals quote near 2000, everything else defaults to an FX-like price.
	if strings.HasPrefix(symbol, "XAU") {
		return SymbolSpec{Symbol: symbol, RefPrice: 2000.0}
	}
	return SymbolSpec{Symbol: symbol, RefPrice: c.fallbackPrice}
}
