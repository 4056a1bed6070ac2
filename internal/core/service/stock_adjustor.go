package service

import (
	"context"
	"fmt"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

// adjustSource applies the movement to the source line with a single write.
// Material loses the moved quantity and stays where it is, even at zero.
// Equipment is consumed in place on withdrawal and relocated whole on transfer.
func (s *MovementService) adjustSource(ctx context.Context, store port.DocumentStore, item domain.Item, req MovementRequest) (domain.Item, error) {
	updated := item

	switch stock := item.Stock.(type) {
	case domain.Material:
		stock.Quantity -= req.Quantity
		updated.Stock = stock
	case domain.Equipment:
		if req.IsTransfer() {
			updated.LocationID = req.DestinationLocationID
			updated.Placement = s.placementOr(req.DestinationPlacement)
		} else {
			stock.Withdrawn = true
			updated.Stock = stock
		}
	default:
		return domain.Item{}, fmt.Errorf("item %s: %w", item.ID, domain.ErrUnknownKind)
	}

	updated.UpdatedAt = s.now()
	return saveItem(ctx, store, updated)
}
