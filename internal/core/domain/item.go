package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownKind = errors.New("unknown item kind")

type Kind int

const (
	KindMaterial Kind = iota + 1
	KindEquipment
)

func (k Kind) String() string {
	switch k {
	case KindMaterial:
		return "MATERIAL"
	case KindEquipment:
		return "EQUIPMENT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MATERIAL":
		return KindMaterial, nil
	case "EQUIPMENT":
		return KindEquipment, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Stock is the kind-specific state of an item line. The set of
// implementations is closed: Material and Equipment.
type Stock interface {
	Kind() Kind
	// Units is the number of units currently available on the line.
	Units() int64
	sealed()
}

// Material is a fungible, quantity-tracked line.
type Material struct {
	Quantity int64
}

func (Material) Kind() Kind     { return KindMaterial }
func (m Material) Units() int64 { return m.Quantity }
func (Material) sealed()        {}

// Equipment is one serial-tracked physical unit. A withdrawn unit keeps its
// line and location but is no longer available.
type Equipment struct {
	Serial    string
	Withdrawn bool
}

func (Equipment) Kind() Kind { return KindEquipment }

func (e Equipment) Units() int64 {
	if e.Withdrawn {
		return 0
	}
	return 1
}

func (Equipment) sealed() {}

type Item struct {
	ID          string
	Name        string
	Description string
	Brand       string
	Model       string
	UnitCost    decimal.Decimal
	Stock       Stock
	LocationID  string
	Placement   string
	Version     int64 // optimistic locking
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (i Item) Kind() Kind {
	if i.Stock == nil {
		return 0
	}
	return i.Stock.Kind()
}

func (i Item) Quantity() int64 {
	if i.Stock == nil {
		return 0
	}
	return i.Stock.Units()
}

// Serial returns the serial number of an equipment line, empty for material.
func (i Item) Serial() string {
	if e, ok := i.Stock.(Equipment); ok {
		return e.Serial
	}
	return ""
}

// MatchKey is the attribute set two material lines must share to be merged.
type MatchKey struct {
	Name  string
	Brand string
	Model string
}

func (i Item) MatchKey() MatchKey {
	return MatchKey{Name: i.Name, Brand: i.Brand, Model: i.Model}
}
