package service

import (
	"context"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

// record writes the movement, then writes it again with its generated id so
// the stored record carries its own id.
func (s *MovementService) record(ctx context.Context, store port.DocumentStore, m domain.Movement) (string, error) {
	doc, err := store.Put(ctx, movementsCollection, port.Document{Fields: movementFields(m)})
	if err != nil {
		return "", storeError("create movement", err)
	}

	m.ID = doc.ID
	doc.Fields = movementFields(m)
	if _, err := store.Put(ctx, movementsCollection, doc); err != nil {
		return doc.ID, storeError("attach movement id", err)
	}
	return doc.ID, nil
}
