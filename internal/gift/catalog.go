// Package gift provides the gift catalog and split policy math for
// user-to-user gifting.
package gift

import "errors"

// ErrUnknownGift is returned when a gift code is not in the catalog.
var ErrUnknownGift = errors.New("unknown gift")

// Gift holds the configuration for one sendable gift.
type Gift struct {
	Code     string // catalog key
	Name     string // display name
	Emoji    string // icon shown in stream overlays
	UnitCost int64  // coins per unit
}

// Catalog resolves gift codes to their configuration. Backed by the product
// catalog service in production; StaticCatalog serves tests and single-node
// deployments.
type Catalog interface {
	Get(code string) (Gift, bool)
	All() []Gift
}

// defaultGifts contains the built-in gift set.
// Easily extensible - just add new gifts to this map.
var defaultGifts = map[string]Gift{
	"rose": {
		Code:     "rose",
		Name:     "Rose",
		Emoji:    "🌹",
		UnitCost: 50,
	},
	"heart": {
		Code:     "heart",
		Name:     "Heart",
		Emoji:    "❤️",
		UnitCost: 10,
	},
	"diamond": {
		Code:     "diamond",
		Name:     "Diamond",
		Emoji:    "💎",
		UnitCost: 500,
	},
	"crown": {
		Code:     "crown",
		Name:     "Crown",
		Emoji:    "👑",
		UnitCost: 1000,
	},
	"rocket": {
		Code:     "rocket",
		Name:     "Rocket",
		Emoji:    "🚀",
		UnitCost: 5000,
	},
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog struct {
	gifts map[string]Gift
}

// NewStaticCatalog returns a catalog with the built-in gift set.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{gifts: defaultGifts}
}

// NewCatalogFrom builds a catalog from an explicit gift list.
func NewCatalogFrom(gifts []Gift) *StaticCatalog {
	m := make(map[string]Gift, len(gifts))
	for _, g := range gifts {
		m[g.Code] = g
	}
	return &StaticCatalog{gifts: m}
}

// Get looks up a gift by code.
func (c *StaticCatalog) Get(code string) (Gift, bool) {
	g, ok := c.gifts[code]
	return g, ok
}

// All returns every gift in the catalog.
func (c *StaticCatalog) All() []Gift {
	gifts := make([]Gift, 0, len(c.gifts))
	for _, g := range c.gifts {
		gifts = append(gifts, g)
	}
	return gifts
}

// SplitPolicy divides a gift's total cost between the receiver and the
// platform. ReceiverSharePercent is policy, not business truth.
type SplitPolicy struct {
	ReceiverSharePercent int64
}

// Split returns the receiver and platform shares of a total. The receiver
// share rounds down; the platform takes the exact remainder, so the two
// always sum to the total.
func (p SplitPolicy) Split(total int64) (receiver, platform int64) {
	receiver = total * p.ReceiverSharePercent / 100
	platform = total - receiver
	return receiver, platform
}
