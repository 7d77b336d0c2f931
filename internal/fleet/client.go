// Package fleet implements the node-side half of the Fleet Control Plane: a
// gRPC client that registers with the dashboard on every (re)connection and
// streams experiment lifecycle events, reconnecting with exponential
// backoff and spooling locally when the dashboard is unreachable.
package fleet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/lprof/lprof/internal/fleet/spool"
	"github.com/lprof/lprof/internal/fleetpb"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultDialTimeout    = 30 * time.Second
	drainBatchSize        = 16
)

// Config holds the configuration for the fleet client.
type Config struct {
	// DashboardAddr is the "host:port" of the dashboard's gRPC endpoint.
	DashboardAddr string

	// CertPath, KeyPath, CAPath locate the node's mTLS client identity and
	// the CA used to verify the dashboard's server certificate.
	CertPath string
	KeyPath  string
	CAPath   string

	// SpoolPath is where the local at-least-once spool database lives.
	SpoolPath string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration

	Hostname     string
	Platform     string
	AgentVersion string
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Client reports experiment lifecycle events to the dashboard. Every
// Report* call enqueues into the local spool and returns immediately; a
// background goroutine drains the spool over a reconnecting gRPC stream,
// giving at-least-once delivery even across dashboard outages.
type Client struct {
	cfg    Config
	logger *slog.Logger
	spool  *spool.Spool

	creds credentials.TransportCredentials

	mu     sync.RWMutex
	stream fleetpb.FleetService_StreamExperimentEventsClient
	nodeID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. Call Start to begin connecting and draining.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	sp, err := spool.Open(cfg.SpoolPath)
	if err != nil {
		return nil, fmt.Errorf("fleet: open spool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, spool: sp}, nil
}

// Start validates mTLS credentials, then launches a background goroutine
// that connects to the dashboard and drains the spool for the lifetime of
// ctx.
func (c *Client) Start(ctx context.Context) error {
	creds, err := c.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	c.creds = creds

	if c.cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		c.cfg.Hostname = h
	}
	if c.cfg.Platform == "" {
		c.cfg.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}

	connectCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(connectCtx)
	return nil
}

// Stop cancels the connection loop, waits for it to exit, and closes the
// local spool. Safe to call multiple times.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	_ = c.spool.Close()
}

// ReportSessionStart enqueues a session_start event.
func (c *Client) ReportSessionStart(expPath string, events []string, engine string) error {
	detail := fleetpb.NewDetailJSON(map[string]any{"events": events, "engine": engine})
	return c.enqueue(fleetpb.EventSessionStart, expPath, detail)
}

// ReportLossRatio enqueues the session's combined sample-loss report.
func (c *Client) ReportLossRatio(expPath string, ratio float64, lost, collected uint64) error {
	detail := fleetpb.NewDetailJSON(map[string]any{"ratio": ratio, "lost": lost, "collected": collected})
	return c.enqueue(fleetpb.EventLossRatio, expPath, detail)
}

// ReportEmergencyStop enqueues the buffer-pressure/emergency-stop
// transition.
func (c *Client) ReportEmergencyStop(expPath, reason string) error {
	detail := fleetpb.NewDetailJSON(map[string]any{"reason": reason})
	return c.enqueue(fleetpb.EventEmergencyStop, expPath, detail)
}

// ReportDone enqueues the <exp>/done marker write.
func (c *Client) ReportDone(expPath string) error {
	return c.enqueue(fleetpb.EventDone, expPath, nil)
}

func (c *Client) enqueue(kind fleetpb.EventKind, expPath string, detail []byte) error {
	c.mu.RLock()
	nodeID := c.nodeID
	c.mu.RUnlock()

	evt := fleetpb.ExperimentEvent{
		EventID:        uuid.NewString(),
		NodeID:         nodeID,
		Kind:           kind,
		TimestampUs:    time.Now().UnixMicro(),
		ExperimentPath: expPath,
		Detail:         detail,
	}
	return c.spool.Enqueue(context.Background(), evt)
}

// --- connection loop ---

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("fleet: connecting to dashboard", slog.String("addr", c.cfg.DashboardAddr))
		wasConnected, err := c.connect(ctx)

		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			b.Reset()
		}
		if err != nil {
			c.logger.Warn("fleet: connection ended", slog.Any("error", err))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("fleet: backoff exhausted; giving up")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(c.cfg.DashboardAddr, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.DashboardAddr, err)
	}
	defer conn.Close()

	client := fleetpb.NewFleetServiceClient(conn)

	regCtx, regCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	resp, err := client.RegisterNode(regCtx, &fleetpb.RegisterNodeRequest{
		Hostname:     c.cfg.Hostname,
		Platform:     c.cfg.Platform,
		AgentVersion: c.cfg.AgentVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterNode: %w", err)
	}

	c.mu.Lock()
	c.nodeID = resp.NodeID
	c.mu.Unlock()
	c.logger.Info("fleet: node registered", slog.String("node_id", resp.NodeID))

	stream, err := client.StreamExperimentEvents(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamExperimentEvents: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	drainErr := make(chan error, 1)
	go func() { drainErr <- c.drainAck(stream) }()

	err = c.drainSpool(ctx, stream)

	c.mu.Lock()
	c.stream = nil
	c.mu.Unlock()

	if err == nil {
		err = <-drainErr
	}
	if err == io.EOF {
		return true, nil
	}
	return true, err
}

// drainSpool repeatedly dequeues pending events and sends them over stream,
// acking each batch once sent. It runs until ctx is cancelled or a send
// fails (the latter returns control to connect so a reconnect is attempted;
// unacknowledged rows remain in the spool for the next connection).
func (c *Client) drainSpool(ctx context.Context, stream fleetpb.FleetService_StreamExperimentEventsClient) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err := c.spool.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("spool dequeue: %w", err)
		}
		if len(pending) == 0 {
			continue
		}

		var sent []int64
		for _, pe := range pending {
			pe.Event.NodeID = c.currentNodeID()
			if err := stream.Send(&pe.Event); err != nil {
				if len(sent) > 0 {
					_ = c.spool.Ack(context.Background(), sent)
				}
				return fmt.Errorf("send event: %w", err)
			}
			sent = append(sent, pe.RowID)
		}
		if err := c.spool.Ack(context.Background(), sent); err != nil {
			c.logger.Warn("fleet: ack failed", slog.Any("error", err))
		}
	}
}

func (c *Client) currentNodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// drainAck reads ServerAck messages until the stream closes.
func (c *Client) drainAck(stream fleetpb.FleetService_StreamExperimentEventsClient) error {
	for {
		ack, err := stream.Recv()
		if err != nil {
			return err
		}
		c.logger.Debug("fleet: received ack", slog.String("event_id", ack.EventID))
	}
}

// --- TLS helpers ---

func (c *Client) loadTLSCredentials() (credentials.TransportCredentials, error) {
	nodeCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(c.cfg.DashboardAddr)
	if splitErr != nil {
		serverName = c.cfg.DashboardAddr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsCfg), nil
}
