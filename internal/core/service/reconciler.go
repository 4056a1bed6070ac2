package service

import (
	"context"
	"fmt"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

// reconcileDestination adds the transferred material to the destination,
// merging into the matching line or creating a new one.
func (s *MovementService) reconcileDestination(ctx context.Context, store port.DocumentStore, source domain.Item, req MovementRequest) (domain.Item, error) {
	return s.mergeOrCreate(ctx, store, source, req.DestinationLocationID, req.DestinationPlacement, req.Quantity)
}

// mergeOrCreate puts qty units of the material described by template at
// locationID. placement only overrides an existing line's placement when set.
func (s *MovementService) mergeOrCreate(ctx context.Context, store port.DocumentStore, template domain.Item, locationID, placement string, qty int64) (domain.Item, error) {
	matches, err := findMaterialLines(ctx, store, template.MatchKey(), locationID)
	if err != nil {
		return domain.Item{}, err
	}
	if len(matches) > 1 && !s.allowAmbiguousMerge {
		return domain.Item{}, ambiguousMatch(template.MatchKey(), locationID, matches)
	}

	now := s.now()

	if len(matches) > 0 {
		line := matches[0]
		stock, ok := line.Stock.(domain.Material)
		if !ok {
			return domain.Item{}, fmt.Errorf("%w: destination line %s is %s", ErrPersistence, line.ID, line.Kind())
		}
		stock.Quantity += qty
		line.Stock = stock
		if placement != "" {
			line.Placement = placement
		}
		line.UpdatedAt = now
		return saveItem(ctx, store, line)
	}

	line := domain.Item{
		Name:        template.Name,
		Description: template.Description,
		Brand:       template.Brand,
		Model:       template.Model,
		UnitCost:    template.UnitCost,
		Stock:       domain.Material{Quantity: qty},
		LocationID:  locationID,
		Placement:   s.placementOr(placement),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return saveItem(ctx, store, line)
}

func findMaterialLines(ctx context.Context, store port.DocumentStore, key domain.MatchKey, locationID string) ([]domain.Item, error) {
	docs, err := store.Find(ctx, itemsCollection,
		port.Eq(fieldLocationID, locationID),
		port.Eq(fieldKind, domain.KindMaterial.String()),
		port.Eq(fieldName, key.Name),
		port.Eq(fieldBrand, key.Brand),
		port.Eq(fieldModel, key.Model),
	)
	if err != nil {
		return nil, storeError("find destination lines", err)
	}

	items := make([]domain.Item, 0, len(docs))
	for _, doc := range docs {
		it, err := itemFromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		items = append(items, it)
	}
	return items, nil
}
