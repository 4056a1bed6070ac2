package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

const (
	itemsCollection          = "items"
	movementsCollection      = "movements"
	locationsCollection      = "inventories"
	reconciliationCollection = "reconciliation_log"
)

const (
	fieldID          = "id"
	fieldName        = "name"
	fieldDescription = "description"
	fieldKind        = "kind"
	fieldQuantity    = "quantity"
	fieldUnitCost    = "unitCost"
	fieldBrand       = "brand"
	fieldModel       = "model"
	fieldSerial      = "serial"
	fieldWithdrawn   = "withdrawn"
	fieldLocationID  = "locationId"
	fieldPlacement   = "placement"
	fieldCreatedAt   = "createdAt"
	fieldUpdatedAt   = "updatedAt"

	fieldSourceLocationID      = "sourceLocationId"
	fieldDestinationLocationID = "destinationLocationId"
	fieldItemID                = "itemId"
	fieldActorID               = "actorId"
	fieldTimestamp             = "timestamp"

	fieldIsPrimary    = "isPrimary"
	fieldSourceItemID = "sourceItemId"
	fieldStage        = "stage"
	fieldError        = "error"
	fieldMovementID   = "movementId"
)

func itemFields(it domain.Item) map[string]any {
	fields := map[string]any{
		fieldName:        it.Name,
		fieldDescription: it.Description,
		fieldKind:        it.Kind().String(),
		fieldQuantity:    it.Quantity(),
		fieldUnitCost:    it.UnitCost.String(),
		fieldBrand:       it.Brand,
		fieldModel:       it.Model,
		fieldSerial:      it.Serial(),
		fieldLocationID:  it.LocationID,
		fieldPlacement:   it.Placement,
		fieldCreatedAt:   it.CreatedAt.UTC(),
		fieldUpdatedAt:   it.UpdatedAt.UTC(),
	}
	if eq, ok := it.Stock.(domain.Equipment); ok {
		fields[fieldWithdrawn] = eq.Withdrawn
	}
	return fields
}

func itemDocument(it domain.Item) port.Document {
	return port.Document{ID: it.ID, Version: it.Version, Fields: itemFields(it)}
}

func itemFromDocument(doc port.Document) (domain.Item, error) {
	f := doc.Fields

	kind, err := domain.ParseKind(asString(f[fieldKind]))
	if err != nil {
		return domain.Item{}, fmt.Errorf("decode item %s: %w", doc.ID, err)
	}
	qty, err := asInt64(f[fieldQuantity])
	if err != nil {
		return domain.Item{}, fmt.Errorf("decode item %s quantity: %w", doc.ID, err)
	}
	cost, err := asDecimal(f[fieldUnitCost])
	if err != nil {
		return domain.Item{}, fmt.Errorf("decode item %s unit cost: %w", doc.ID, err)
	}

	it := domain.Item{
		ID:          doc.ID,
		Name:        asString(f[fieldName]),
		Description: asString(f[fieldDescription]),
		Brand:       asString(f[fieldBrand]),
		Model:       asString(f[fieldModel]),
		UnitCost:    cost,
		LocationID:  asString(f[fieldLocationID]),
		Placement:   asString(f[fieldPlacement]),
		Version:     doc.Version,
		CreatedAt:   asTime(f[fieldCreatedAt]),
		UpdatedAt:   asTime(f[fieldUpdatedAt]),
	}

	switch kind {
	case domain.KindMaterial:
		it.Stock = domain.Material{Quantity: qty}
	case domain.KindEquipment:
		it.Stock = domain.Equipment{Serial: asString(f[fieldSerial]), Withdrawn: equipmentWithdrawn(f, qty)}
	default:
		return domain.Item{}, fmt.Errorf("decode item %s: %w: %v", doc.ID, domain.ErrUnknownKind, kind)
	}
	return it, nil
}

// equipmentWithdrawn prefers the explicit flag. Records without it count as
// withdrawn only when they carry a zero quantity.
func equipmentWithdrawn(f map[string]any, qty int64) bool {
	switch w := f[fieldWithdrawn].(type) {
	case bool:
		return w
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(w))
		return err == nil && b
	}
	return f[fieldQuantity] != nil && qty == 0
}

func movementFields(m domain.Movement) map[string]any {
	fields := map[string]any{
		fieldSourceLocationID:      m.SourceLocationID,
		fieldDestinationLocationID: m.DestinationLocationID,
		fieldItemID:                m.ItemID,
		fieldActorID:               m.ActorID,
		fieldQuantity:              m.Quantity,
		fieldKind:                  string(m.Kind),
		fieldTimestamp:             m.Timestamp.UTC(),
		fieldDescription:           m.Description,
	}
	if m.ID != "" {
		fields[fieldID] = m.ID
	}
	return fields
}

func movementFromDocument(doc port.Document) (domain.Movement, error) {
	f := doc.Fields

	kind, err := domain.ParseMovementKind(asString(f[fieldKind]))
	if err != nil {
		return domain.Movement{}, fmt.Errorf("decode movement %s: %w", doc.ID, err)
	}
	qty, err := asInt64(f[fieldQuantity])
	if err != nil {
		return domain.Movement{}, fmt.Errorf("decode movement %s quantity: %w", doc.ID, err)
	}

	id := asString(f[fieldID])
	if id == "" {
		id = doc.ID
	}
	return domain.Movement{
		ID:                    id,
		SourceLocationID:      asString(f[fieldSourceLocationID]),
		DestinationLocationID: asString(f[fieldDestinationLocationID]),
		ItemID:                asString(f[fieldItemID]),
		ActorID:               asString(f[fieldActorID]),
		Quantity:              qty,
		Kind:                  kind,
		Timestamp:             asTime(f[fieldTimestamp]),
		Description:           asString(f[fieldDescription]),
	}, nil
}

func locationFromDocument(doc port.Document) domain.Location {
	primary, _ := doc.Fields[fieldIsPrimary].(bool)
	return domain.Location{
		ID:          doc.ID,
		Name:        asString(doc.Fields[fieldName]),
		Description: asString(doc.Fields[fieldDescription]),
		IsPrimary:   primary,
	}
}

func reconciliationFields(e domain.ReconciliationEntry) map[string]any {
	return map[string]any{
		fieldSourceItemID:          e.SourceItemID,
		fieldStage:                 e.Stage,
		fieldQuantity:              e.Quantity,
		fieldDestinationLocationID: e.DestinationLocationID,
		fieldActorID:               e.ActorID,
		fieldError:                 e.Error,
		fieldMovementID:            e.MovementID,
		fieldCreatedAt:             e.CreatedAt.UTC(),
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// asInt64 accepts the numeric shapes the store adapters hand back: native
// ints, float64 and json.Number from JSON columns, strings.
func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if strings.TrimSpace(d) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(d)
	case float64:
		return decimal.NewFromFloat(d), nil
	case int64:
		return decimal.NewFromInt(d), nil
	case json.Number:
		return decimal.NewFromString(d.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal type %T", v)
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	default:
		return time.Time{}
	}
}
