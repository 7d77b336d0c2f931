// Package fleetpb defines the wire messages exchanged between a collecting
// node (internal/fleet) and the dashboard (internal/dashboard/fleetgrpc):
// node registration and a stream of experiment lifecycle events.
//
// These messages are not produced by protoc: they are plain Go structs
// carried over grpc via a small JSON codec (see RegisterCodec below). The
// service/stream plumbing is still the genuine google.golang.org/grpc
// machinery; only the wire encoding differs from protobuf binary, the
// same way grpc-go lets a caller swap in any encoding.Codec for an
// alternate wire format.
package fleetpb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global codec registry and selected by
// every client/server call in this package via grpc.CallContentSubtype /
// grpc.ForceServerCodec.
const codecName = "lprof-fleet-json"

// jsonCodec marshals every message in this package as JSON rather than
// protobuf wire bytes. It implements encoding.Codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// callOption forces every RPC in this package onto the JSON codec.
func callOption() grpc.CallOption { return grpc.CallContentSubtype(codecName) }

// ServerOption forces the fleet gRPC server onto the JSON codec. Callers
// pass this to grpc.NewServer alongside any transport-credential option.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

// RegisterNodeRequest is sent by a collecting node each time it connects.
type RegisterNodeRequest struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	AgentVersion string `json:"agent_version"`
}

// RegisterNodeResponse returns the stable node_id the dashboard assigned
// (or previously assigned, on a hostname conflict).
type RegisterNodeResponse struct {
	NodeID       string `json:"node_id"`
	ServerTimeUs int64  `json:"server_time_us"`
}

// EventKind enumerates the experiment lifecycle events a node reports.
type EventKind string

const (
	EventSessionStart  EventKind = "session_start"
	EventLossRatio     EventKind = "loss_ratio"
	EventEmergencyStop EventKind = "emergency_stop"
	EventDone          EventKind = "done"
)

// ExperimentEvent is one lifecycle event streamed from a node to the
// dashboard. Detail carries kind-specific fields as JSON (event list and
// engine for session_start, ratio and lost/collected counts for loss_ratio, reason for
// emergency_stop, nothing beyond ExperimentPath for done).
type ExperimentEvent struct {
	EventID        string          `json:"event_id"`
	NodeID         string          `json:"node_id"`
	Kind           EventKind       `json:"kind"`
	TimestampUs    int64           `json:"timestamp_us"`
	ExperimentPath string          `json:"experiment_path"`
	Detail         json.RawMessage `json:"detail"`
}

// ServerAck is the only message the dashboard sends back on the
// ExperimentEvents stream: a best-effort acknowledgement nodes never
// block on.
type ServerAck struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// --- hand-written client/server stubs, the shape protoc-gen-go-grpc would
// produce for a service with one unary and one bidirectional-streaming RPC ---

const (
	serviceName        = "lprof.fleet.FleetService"
	methodRegisterNode = "/" + serviceName + "/RegisterNode"
	methodStreamEvents = "/" + serviceName + "/StreamExperimentEvents"
)

// FleetServiceClient is the node-side stub.
type FleetServiceClient interface {
	RegisterNode(ctx context.Context, req *RegisterNodeRequest) (*RegisterNodeResponse, error)
	StreamExperimentEvents(ctx context.Context) (FleetService_StreamExperimentEventsClient, error)
}

type fleetServiceClient struct {
	cc *grpc.ClientConn
}

// NewFleetServiceClient wraps an established connection.
func NewFleetServiceClient(cc *grpc.ClientConn) FleetServiceClient {
	return &fleetServiceClient{cc: cc}
}

func (c *fleetServiceClient) RegisterNode(ctx context.Context, req *RegisterNodeRequest) (*RegisterNodeResponse, error) {
	resp := new(RegisterNodeResponse)
	if err := c.cc.Invoke(ctx, methodRegisterNode, req, resp, callOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *fleetServiceClient) StreamExperimentEvents(ctx context.Context) (FleetService_StreamExperimentEventsClient, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamExperimentEvents", ClientStreams: true, ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, methodStreamEvents, callOption())
	if err != nil {
		return nil, err
	}
	return &eventStreamClient{ClientStream: stream}, nil
}

// FleetService_StreamExperimentEventsClient is the node-side half of the
// bidirectional stream.
type FleetService_StreamExperimentEventsClient interface {
	Send(*ExperimentEvent) error
	Recv() (*ServerAck, error)
	grpc.ClientStream
}

type eventStreamClient struct {
	grpc.ClientStream
}

func (s *eventStreamClient) Send(evt *ExperimentEvent) error {
	return s.ClientStream.SendMsg(evt)
}

func (s *eventStreamClient) Recv() (*ServerAck, error) {
	ack := new(ServerAck)
	if err := s.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// FleetServiceServer is implemented by internal/dashboard/fleetgrpc.Server.
type FleetServiceServer interface {
	RegisterNode(ctx context.Context, req *RegisterNodeRequest) (*RegisterNodeResponse, error)
	StreamExperimentEvents(stream FleetService_StreamExperimentEventsServer) error
}

// FleetService_StreamExperimentEventsServer is the dashboard-side half of
// the bidirectional stream.
type FleetService_StreamExperimentEventsServer interface {
	Send(*ServerAck) error
	Recv() (*ExperimentEvent, error)
	grpc.ServerStream
}

type eventStreamServer struct {
	grpc.ServerStream
}

func (s *eventStreamServer) Send(ack *ServerAck) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *eventStreamServer) Recv() (*ExperimentEvent, error) {
	evt := new(ExperimentEvent)
	if err := s.ServerStream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func registerNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterNodeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetServiceServer).RegisterNode(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegisterNode}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FleetServiceServer).RegisterNode(ctx, req.(*RegisterNodeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func streamExperimentEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FleetServiceServer).StreamExperimentEvents(&eventStreamServer{ServerStream: stream})
}

// ServiceDesc is the grpc.ServiceDesc a caller registers with grpc.NewServer,
// the same structure protoc-gen-go-grpc emits for a .proto service block.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FleetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: registerNodeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamExperimentEvents",
			Handler:       streamExperimentEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterFleetServiceServer registers srv with s, mirroring the generated
// RegisterXServer helper.
func RegisterFleetServiceServer(s grpc.ServiceRegistrar, srv FleetServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewDetailJSON is a small helper so callers building an ExperimentEvent do
// not need to handle a marshal error for simple detail maps inline.
func NewDetailJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return raw
}
