package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

// validate reads the current source line and checks the request against it.
// It never writes.
func (s *MovementService) validate(ctx context.Context, store port.DocumentStore, req MovementRequest) (domain.Item, error) {
	item, err := loadItem(ctx, store, req.SourceItemID)
	if err != nil {
		return domain.Item{}, err
	}

	switch stock := item.Stock.(type) {
	case domain.Material:
		if req.Quantity <= 0 {
			return domain.Item{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
		}
		if req.Quantity > stock.Quantity {
			return domain.Item{}, fmt.Errorf("%w: item %s has %d, requested %d",
				ErrInsufficientStock, item.ID, stock.Quantity, req.Quantity)
		}
	case domain.Equipment:
		if req.Quantity != 1 {
			return domain.Item{}, fmt.Errorf("%w: equipment moves one unit at a time, requested %d",
				ErrInvalidQuantity, req.Quantity)
		}
		if stock.Withdrawn {
			return domain.Item{}, fmt.Errorf("%w: equipment %s was already withdrawn", ErrInsufficientStock, item.ID)
		}
	default:
		return domain.Item{}, fmt.Errorf("item %s: %w", item.ID, domain.ErrUnknownKind)
	}

	if !req.IsTransfer() {
		return item, nil
	}

	if req.DestinationLocationID == item.LocationID {
		return domain.Item{}, fmt.Errorf("%w: item %s is already at location %s",
			ErrInvalidDestination, item.ID, item.LocationID)
	}

	if s.checkDestination {
		if _, err := loadLocation(ctx, store, req.DestinationLocationID); err != nil {
			return domain.Item{}, err
		}
	}

	if item.Kind() == domain.KindMaterial && !s.allowAmbiguousMerge {
		matches, err := findMaterialLines(ctx, store, item.MatchKey(), req.DestinationLocationID)
		if err != nil {
			return domain.Item{}, err
		}
		if len(matches) > 1 {
			return domain.Item{}, ambiguousMatch(item.MatchKey(), req.DestinationLocationID, matches)
		}
	}

	return item, nil
}

func ambiguousMatch(key domain.MatchKey, locationID string, matches []domain.Item) error {
	return fmt.Errorf("%w: %d lines of %q (%s %s) at location %s",
		ErrAmbiguousDestinationMatch, len(matches), key.Name, key.Brand, key.Model, locationID)
}

func loadItem(ctx context.Context, store port.DocumentStore, id string) (domain.Item, error) {
	if id == "" {
		return domain.Item{}, fmt.Errorf("%w: empty id", ErrItemNotFound)
	}
	doc, err := store.Get(ctx, itemsCollection, id)
	if errors.Is(err, port.ErrNotFound) {
		return domain.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return domain.Item{}, storeError("get item", err)
	}

	item, err := itemFromDocument(doc)
	if err != nil {
		return domain.Item{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return item, nil
}

func loadLocation(ctx context.Context, store port.DocumentStore, id string) (domain.Location, error) {
	doc, err := store.Get(ctx, locationsCollection, id)
	if errors.Is(err, port.ErrNotFound) {
		return domain.Location{}, fmt.Errorf("%w: unknown location %s", ErrInvalidDestination, id)
	}
	if err != nil {
		return domain.Location{}, storeError("get location", err)
	}
	return locationFromDocument(doc), nil
}

func saveItem(ctx context.Context, store port.DocumentStore, item domain.Item) (domain.Item, error) {
	op := "update item"
	if item.ID == "" {
		op = "create item"
	}
	doc, err := store.Put(ctx, itemsCollection, itemDocument(item))
	if err != nil {
		return domain.Item{}, storeError(op, err)
	}
	item.ID = doc.ID
	item.Version = doc.Version
	return item, nil
}
