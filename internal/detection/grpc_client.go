package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the detection service's gRPC name
	ServiceName = "detection.v1.DetectionService"

	// DetectMethod takes the JPEG as BytesValue and answers with a Struct
	// shaped like the HTTP JSON response
	DetectMethod = "/" + ServiceName + "/Detect"

	// ThresholdMetadataKey carries the confidence threshold
	ThresholdMetadataKey = "conf-threshold"
)

// GRPCClient talks to the detection service over unary gRPC
type GRPCClient struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	timeout  time.Duration
}

// GRPCClientConfig holds configuration for the gRPC client
type GRPCClientConfig struct {
	Endpoint string
	Timeout  time.Duration // Per-call deadline
	Options  []grpc.DialOption
}

// NewGRPCClient creates a client. The connection is established lazily on
// the first call.
func NewGRPCClient(config GRPCClientConfig) (*GRPCClient, error) {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.Options...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}

	log.Printf("[GRPCClient] Using detection service at %s", config.Endpoint)
	return &GRPCClient{
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		timeout:  config.Timeout,
	}, nil
}

// Endpoint returns the service target
func (c *GRPCClient) Endpoint() string {
	return c.endpoint
}

// Health queries the standard gRPC health service
func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("detection service not serving: %s", resp.GetStatus())
	}
	return nil
}

// Detect runs one unary detection call
func (c *GRPCClient) Detect(ctx context.Context, image []byte, threshold float64) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx = metadata.AppendToOutgoingContext(ctx, ThresholdMetadataKey, strconv.FormatFloat(threshold, 'f', 2, 64))

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(image), out); err != nil {
		return nil, fmt.Errorf("detect call failed: %w", err)
	}
	return DecodeStruct(out)
}

// DecodeStruct converts a Struct reply into a Response
func DecodeStruct(s *structpb.Struct) (*Response, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detection reply: %w", err)
	}

	var result Response
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode detection reply: %w", err)
	}
	return &result, nil
}

// EncodeResponse converts a Response into the Struct wire form
func EncodeResponse(r *Response) (*structpb.Struct, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to convert response: %w", err)
	}
	return s, nil
}

// Close shuts down the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
