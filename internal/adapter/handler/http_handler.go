package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/core/service"
	"github.com/rl1809/stock-movement/internal/port"
)

const idempotencyHeader = "Idempotency-Key"

// Idempotency keys are scoped per route.
const (
	movementsScope = "movements:"
	itemsScope     = "items:"
)

// MovementService is the part of *service.MovementService the transports use.
type MovementService interface {
	ExecuteMovement(ctx context.Context, req service.MovementRequest) (service.MovementResult, error)
	ReceiveStock(ctx context.Context, req service.ReceiveRequest) (string, error)
	GetItem(ctx context.Context, id string) (domain.Item, error)
	ListMovements(ctx context.Context, f service.MovementFilter) ([]domain.Movement, error)
}

type HTTPHandler struct {
	movementService MovementService
	idempotency     port.IdempotencyGuard
}

type MovementHTTPRequest struct {
	ItemID                string `json:"item_id" binding:"required"`
	Quantity              int64  `json:"quantity"`
	ActorID               string `json:"actor_id" binding:"required"`
	Description           string `json:"description"`
	DestinationLocationID string `json:"destination_location_id"`
	DestinationPlacement  string `json:"destination_placement"`
}

type MovementHTTPResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	MovementID       string `json:"movement_id,omitempty"`
	Kind             string `json:"kind,omitempty"`
	ReconciliationID string `json:"reconciliation_id,omitempty"`
}

type ReceiveHTTPRequest struct {
	LocationID  string          `json:"location_id" binding:"required"`
	Placement   string          `json:"placement"`
	Kind        string          `json:"kind" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Brand       string          `json:"brand"`
	Model       string          `json:"model"`
	Serial      string          `json:"serial"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type ItemHTTPResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Kind        string          `json:"kind"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Brand       string          `json:"brand"`
	Model       string          `json:"model"`
	Serial      string          `json:"serial,omitempty"`
	LocationID  string          `json:"location_id"`
	Placement   string          `json:"placement"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type MovementRecordHTTPResponse struct {
	ID                    string    `json:"id"`
	Kind                  string    `json:"kind"`
	ItemID                string    `json:"item_id"`
	Quantity              int64     `json:"quantity"`
	SourceLocationID      string    `json:"source_location_id"`
	DestinationLocationID string    `json:"destination_location_id,omitempty"`
	ActorID               string    `json:"actor_id"`
	Description           string    `json:"description,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// NewHTTPHandler takes an optional idempotency guard; without it the
// Idempotency-Key header is ignored.
func NewHTTPHandler(movementService MovementService, idempotency port.IdempotencyGuard) *HTTPHandler {
	return &HTTPHandler{movementService: movementService, idempotency: idempotency}
}

func NewRouter(h *HTTPHandler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/movements", h.ExecuteMovement)
	api.GET("/movements", h.ListMovements)
	api.POST("/items", h.ReceiveStock)
	api.GET("/items/:id", h.GetItem)
	return r
}

func (h *HTTPHandler) ExecuteMovement(c *gin.Context) {
	var req MovementHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MovementHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	key, ok := h.claimRequest(c, movementsScope)
	if !ok {
		return
	}

	res, err := h.movementService.ExecuteMovement(c.Request.Context(), service.MovementRequest{
		SourceItemID:          req.ItemID,
		Quantity:              req.Quantity,
		ActorID:               req.ActorID,
		Description:           req.Description,
		DestinationLocationID: req.DestinationLocationID,
		DestinationPlacement:  req.DestinationPlacement,
	})
	if err != nil {
		status, message := errorStatus(err)
		resp := MovementHTTPResponse{Success: false, Message: message}

		// a partially applied movement must not be replayed under the same key
		var partial *service.PartialFailureError
		if errors.As(err, &partial) {
			resp.ReconciliationID = partial.ReconciliationID
		} else {
			h.releaseRequest(c, key)
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusCreated, MovementHTTPResponse{
		Success:    true,
		Message:    "movement recorded",
		MovementID: res.MovementID,
		Kind:       string(res.Kind),
	})
}

func (h *HTTPHandler) ReceiveStock(c *gin.Context) {
	var req ReceiveHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, ok := h.claimRequest(c, itemsScope)
	if !ok {
		return
	}

	id, err := h.movementService.ReceiveStock(c.Request.Context(), service.ReceiveRequest{
		LocationID:  req.LocationID,
		Placement:   req.Placement,
		Kind:        kind,
		Name:        req.Name,
		Description: req.Description,
		Brand:       req.Brand,
		Model:       req.Model,
		Serial:      req.Serial,
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
	})
	if err != nil {
		h.releaseRequest(c, key)
		status, message := errorStatus(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	item, err := h.movementService.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, message := errorStatus(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, itemResponse(item))
}

func (h *HTTPHandler) ListMovements(c *gin.Context) {
	movements, err := h.movementService.ListMovements(c.Request.Context(), service.MovementFilter{
		ItemID:     strings.TrimSpace(c.Query("item_id")),
		LocationID: strings.TrimSpace(c.Query("location_id")),
	})
	if err != nil {
		status, message := errorStatus(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	out := make([]MovementRecordHTTPResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, MovementRecordHTTPResponse{
			ID:                    m.ID,
			Kind:                  string(m.Kind),
			ItemID:                m.ItemID,
			Quantity:              m.Quantity,
			SourceLocationID:      m.SourceLocationID,
			DestinationLocationID: m.DestinationLocationID,
			ActorID:               m.ActorID,
			Description:           m.Description,
			Timestamp:             m.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"movements": out})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// claimRequest rejects a repeated Idempotency-Key within scope. It returns
// the claimed key, empty when none was claimed, and reports whether the
// request may proceed. When it may not, the response has been written.
func (h *HTTPHandler) claimRequest(c *gin.Context, scope string) (string, bool) {
	key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
	if key == "" || h.idempotency == nil {
		return "", true
	}
	key = scope + key

	ok, err := h.idempotency.SetIdempotency(c.Request.Context(), key)
	if err != nil {
		log.Printf("http: idempotency check for %s failed: %v", key, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "idempotency check unavailable"})
		return "", false
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "duplicate request"})
		return "", false
	}
	return key, true
}

// releaseRequest frees a claimed key after a request that changed nothing.
func (h *HTTPHandler) releaseRequest(c *gin.Context, key string) {
	if key == "" {
		return
	}
	if err := h.idempotency.ReleaseIdempotency(context.WithoutCancel(c.Request.Context()), key); err != nil {
		log.Printf("http: failed to release idempotency key %s: %v", key, err)
	}
}

func errorStatus(err error) (int, string) {
	var partial *service.PartialFailureError
	switch {
	case errors.As(err, &partial):
		return http.StatusInternalServerError, "movement partially applied, reconciliation required"
	case errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound, "item not found"
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient stock"
	case errors.Is(err, service.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid quantity"
	case errors.Is(err, service.ErrInvalidDestination):
		return http.StatusBadRequest, "invalid destination"
	case errors.Is(err, service.ErrInvalidItem):
		return http.StatusBadRequest, "invalid item"
	case errors.Is(err, service.ErrAmbiguousDestinationMatch):
		return http.StatusConflict, "ambiguous destination match"
	case errors.Is(err, service.ErrDuplicateSerial):
		return http.StatusConflict, "duplicate serial"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "concurrent modification, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func itemResponse(it domain.Item) ItemHTTPResponse {
	return ItemHTTPResponse{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		Kind:        it.Kind().String(),
		Quantity:    it.Quantity(),
		UnitCost:    it.UnitCost,
		Brand:       it.Brand,
		Model:       it.Model,
		Serial:      it.Serial(),
		LocationID:  it.LocationID,
		Placement:   it.Placement,
		Version:     it.Version,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}
