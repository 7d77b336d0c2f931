// Package fleetgrpc implements the dashboard side of the Fleet Control
// Plane gRPC service: node registration and the experiment-event stream,
// over mTLS.
package fleetgrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lprof/lprof/internal/audit"
	"github.com/lprof/lprof/internal/dashboard/storage"
	"github.com/lprof/lprof/internal/fleetpb"
)

// Broadcaster is the subset of internal/dashboard/wshub.Broadcaster this
// package depends on, kept narrow so the server can be tested with a stub.
type Broadcaster interface {
	Publish(topic string, msg any)
}

// Server implements fleetpb.FleetServiceServer.
type Server struct {
	store  *storage.Store
	audit  *audit.Logger
	hub    Broadcaster
	logger *slog.Logger
}

// NewServer wires a storage backend, an audit log, and a broadcast hub into
// a FleetServiceServer.
func NewServer(store *storage.Store, auditLog *audit.Logger, hub Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, audit: auditLog, hub: hub, logger: logger}
}

// RegisterNode upserts the calling node by hostname, returning its stable
// node_id (unchanged across reconnects, keyed by hostname).
func (s *Server) RegisterNode(ctx context.Context, req *fleetpb.RegisterNodeRequest) (*fleetpb.RegisterNodeResponse, error) {
	if req.Hostname == "" {
		return nil, fmt.Errorf("fleetgrpc: RegisterNode: hostname is required")
	}

	nodeID, err := s.store.UpsertNode(ctx, req.Hostname, req.Platform, req.AgentVersion)
	if err != nil {
		return nil, fmt.Errorf("fleetgrpc: RegisterNode: %w", err)
	}

	s.logger.Info("node registered", slog.String("node_id", nodeID), slog.String("hostname", req.Hostname))

	if _, err := s.audit.Append(time.Now().UnixMicro(), fleetpb.NewDetailJSON(map[string]any{
		"type":     "node_registered",
		"node_id":  nodeID,
		"hostname": req.Hostname,
		"platform": req.Platform,
	})); err != nil {
		s.logger.Warn("audit append failed", slog.Any("error", err))
	}

	return &fleetpb.RegisterNodeResponse{NodeID: nodeID, ServerTimeUs: time.Now().UnixMicro()}, nil
}

// StreamExperimentEvents receives a node's lifecycle events, persisting,
// auditing, and broadcasting each one, and acking it back on the stream.
func (s *Server) StreamExperimentEvents(stream fleetpb.FleetService_StreamExperimentEventsServer) error {
	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fleetgrpc: recv: %w", err)
		}

		if !isValidEventKind(evt.Kind) {
			s.logger.Warn("dropping event with unknown kind", slog.String("kind", string(evt.Kind)))
			continue
		}

		if err := s.handleEvent(stream.Context(), evt); err != nil {
			s.logger.Warn("handle event failed", slog.Any("error", err), slog.String("event_id", evt.EventID))
			continue
		}

		if err := stream.Send(&fleetpb.ServerAck{EventID: evt.EventID, Type: "ack"}); err != nil {
			return fmt.Errorf("fleetgrpc: send ack: %w", err)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, evt *fleetpb.ExperimentEvent) error {
	if err := s.store.InsertEvent(ctx, *evt); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := s.audit.Append(evt.TimestampUs, fleetpb.NewDetailJSON(map[string]any{
		"type":            "experiment_event",
		"event_id":        evt.EventID,
		"node_id":         evt.NodeID,
		"kind":            evt.Kind,
		"experiment_path": evt.ExperimentPath,
		"detail":          json.RawMessage(evt.Detail),
	})); err != nil {
		s.logger.Warn("audit append failed", slog.Any("error", err))
	}

	if s.hub != nil {
		s.hub.Publish("experiment_events", evt)
	}
	return nil
}

func isValidEventKind(k fleetpb.EventKind) bool {
	switch k {
	case fleetpb.EventSessionStart, fleetpb.EventLossRatio, fleetpb.EventEmergencyStop, fleetpb.EventDone:
		return true
	default:
		return false
	}
}
