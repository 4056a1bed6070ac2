package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/stock-movement/internal/core/service"
)

const (
	movementServiceName   = "movement.v1.MovementService"
	executeMovementMethod = "/" + movementServiceName + "/ExecuteMovement"

	// JSONCodecName is the content subtype clients must select, see
	// grpc.CallContentSubtype.
	JSONCodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the service run without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type ExecuteMovementRequest struct {
	ItemID                string `json:"item_id"`
	Quantity              int64  `json:"quantity"`
	ActorID               string `json:"actor_id"`
	Description           string `json:"description,omitempty"`
	DestinationLocationID string `json:"destination_location_id,omitempty"`
	DestinationPlacement  string `json:"destination_placement,omitempty"`
}

type ExecuteMovementResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	MovementID       string `json:"movement_id,omitempty"`
	Kind             string `json:"kind,omitempty"`
	ReconciliationID string `json:"reconciliation_id,omitempty"`
}

type MovementServiceServer interface {
	ExecuteMovement(ctx context.Context, req *ExecuteMovementRequest) (*ExecuteMovementResponse, error)
}

var MovementServiceDesc = grpc.ServiceDesc{
	ServiceName: movementServiceName,
	HandlerType: (*MovementServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteMovement", Handler: executeMovementHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "movement/v1/movement.proto",
}

func RegisterMovementServiceServer(s grpc.ServiceRegistrar, srv MovementServiceServer) {
	s.RegisterService(&MovementServiceDesc, srv)
}

func executeMovementHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteMovementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MovementServiceServer).ExecuteMovement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMovementMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MovementServiceServer).ExecuteMovement(ctx, req.(*ExecuteMovementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MovementServiceClient calls MovementService over the JSON codec.
type MovementServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMovementServiceClient(cc grpc.ClientConnInterface) *MovementServiceClient {
	return &MovementServiceClient{cc: cc}
}

func (c *MovementServiceClient) ExecuteMovement(ctx context.Context, in *ExecuteMovementRequest, opts ...grpc.CallOption) (*ExecuteMovementResponse, error) {
	out := new(ExecuteMovementResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, executeMovementMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	movementService MovementService
}

func NewGRPCHandler(movementService MovementService) *GRPCHandler {
	return &GRPCHandler{movementService: movementService}
}

func (h *GRPCHandler) ExecuteMovement(ctx context.Context, req *ExecuteMovementRequest) (*ExecuteMovementResponse, error) {
	res, err := h.movementService.ExecuteMovement(ctx, service.MovementRequest{
		SourceItemID:          req.ItemID,
		Quantity:              req.Quantity,
		ActorID:               req.ActorID,
		Description:           req.Description,
		DestinationLocationID: req.DestinationLocationID,
		DestinationPlacement:  req.DestinationPlacement,
	})
	if err != nil {
		_, message := errorStatus(err)
		resp := &ExecuteMovementResponse{
			Success: false,
			Message: message,
		}

		var partial *service.PartialFailureError
		if errors.As(err, &partial) {
			resp.ReconciliationID = partial.ReconciliationID
		}
		return resp, nil
	}

	return &ExecuteMovementResponse{
		Success:    true,
		Message:    "movement recorded",
		MovementID: res.MovementID,
		Kind:       string(res.Kind),
	}, nil
}
