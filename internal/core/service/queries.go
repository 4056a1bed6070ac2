package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

func (s *MovementService) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return loadItem(ctx, s.store, id)
}

type MovementFilter struct {
	ItemID string
	// LocationID matches movements leaving or entering the location.
	LocationID string
}

// ListMovements returns the recorded movements matching f, oldest first.
func (s *MovementService) ListMovements(ctx context.Context, f MovementFilter) ([]domain.Movement, error) {
	var base []port.Filter
	if f.ItemID != "" {
		base = append(base, port.Eq(fieldItemID, f.ItemID))
	}

	queries := [][]port.Filter{base}
	if f.LocationID != "" {
		queries = [][]port.Filter{
			append(append([]port.Filter{}, base...), port.Eq(fieldSourceLocationID, f.LocationID)),
			append(append([]port.Filter{}, base...), port.Eq(fieldDestinationLocationID, f.LocationID)),
		}
	}

	seen := make(map[string]bool)
	var out []domain.Movement
	for _, filters := range queries {
		docs, err := s.store.Find(ctx, movementsCollection, filters...)
		if err != nil {
			return nil, storeError("find movements", err)
		}
		for _, doc := range docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true

			m, err := movementFromDocument(doc)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
			}
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
