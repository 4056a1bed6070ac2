package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

type ReceiveRequest struct {
	LocationID  string
	Placement   string
	Kind        domain.Kind
	Name        string
	Description string
	Brand       string
	Model       string
	Serial      string // equipment only
	Quantity    int64
	UnitCost    decimal.Decimal
}

// ReceiveStock books incoming stock at a location and returns the id of the
// line holding it. Material merges into a matching line under the same rules
// as a transfer; every equipment unit gets its own line.
func (s *MovementService) ReceiveStock(ctx context.Context, req ReceiveRequest) (string, error) {
	req.LocationID = strings.TrimSpace(req.LocationID)
	req.Name = strings.TrimSpace(req.Name)
	req.Serial = strings.TrimSpace(req.Serial)

	if req.LocationID == "" || req.Name == "" {
		return "", fmt.Errorf("%w: location and name are required", ErrInvalidItem)
	}
	if req.UnitCost.IsNegative() {
		return "", fmt.Errorf("%w: negative unit cost %s", ErrInvalidItem, req.UnitCost)
	}

	template := domain.Item{
		Name:        req.Name,
		Description: req.Description,
		Brand:       req.Brand,
		Model:       req.Model,
		UnitCost:    req.UnitCost,
	}

	var (
		line domain.Item
		err  error
	)
	switch req.Kind {
	case domain.KindMaterial:
		if req.Quantity <= 0 {
			return "", fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
		}
		line, err = s.mergeOrCreate(ctx, s.store, template, req.LocationID, req.Placement, req.Quantity)
	case domain.KindEquipment:
		line, err = s.receiveEquipment(ctx, template, req)
	default:
		return "", fmt.Errorf("%w: %w: %v", ErrInvalidItem, domain.ErrUnknownKind, req.Kind)
	}
	if err != nil {
		return "", err
	}

	log.Printf("movement: received %d x %q at %s into line %s", req.quantityOrOne(), req.Name, req.LocationID, line.ID)
	return line.ID, nil
}

func (r ReceiveRequest) quantityOrOne() int64 {
	if r.Kind == domain.KindEquipment && r.Quantity == 0 {
		return 1
	}
	return r.Quantity
}

func (s *MovementService) receiveEquipment(ctx context.Context, template domain.Item, req ReceiveRequest) (domain.Item, error) {
	if qty := req.quantityOrOne(); qty != 1 {
		return domain.Item{}, fmt.Errorf("%w: equipment is received one unit per line, got %d", ErrInvalidQuantity, qty)
	}
	if req.Serial == "" {
		return domain.Item{}, fmt.Errorf("%w: equipment requires a serial", ErrInvalidItem)
	}

	existing, err := s.store.Find(ctx, itemsCollection,
		port.Eq(fieldKind, domain.KindEquipment.String()),
		port.Eq(fieldSerial, req.Serial),
	)
	if err != nil {
		return domain.Item{}, storeError("find serial", err)
	}
	if len(existing) > 0 {
		return domain.Item{}, fmt.Errorf("%w: %s is already tracked by line %s", ErrDuplicateSerial, req.Serial, existing[0].ID)
	}

	now := s.now()
	line := template
	line.Stock = domain.Equipment{Serial: req.Serial}
	line.LocationID = req.LocationID
	line.Placement = s.placementOr(strings.TrimSpace(req.Placement))
	line.CreatedAt = now
	line.UpdatedAt = now
	return saveItem(ctx, s.store, line)
}
