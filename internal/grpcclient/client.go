package grpcclient

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/skin-metrics/internal/logging"
)

// Full method names of the collaborator service. Requests are google.protobuf.Struct and
// responses google.protobuf.Value, so no generated stubs are needed on either side.
const (
	ServiceName        = "skinmetrics.v1.Collaborators"
	EstimateToneMethod = "/" + ServiceName + "/EstimateTone"
	EssentialsMethod   = "/" + ServiceName + "/EssentialsRecommendation"
	MakeupMethod       = "/" + ServiceName + "/MakeupRecommendation"
	defaultDialTimeout = 5 * time.Second
)

// Client talks to the tone estimator and both recommenders over one connection.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// DialCollaborators returns a ready-to-use client for the collaborator service.
func DialCollaborators(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger = logger.Named("grpcclient")
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_collaborators", "", err)
		logger.Error("failed to dial collaborators", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// EstimateTone asks the tone service to classify the image at imagePath. The path must be
// readable by the service, so both processes share the static directory.
func (c *Client) EstimateTone(ctx context.Context, imagePath, datasetPath string) (int, error) {
	resp, err := c.invoke(ctx, "grpcclient.estimate_tone", EstimateToneMethod, map[string]any{
		"image_path":   imagePath,
		"dataset_path": datasetPath,
	})
	if err != nil {
		return 0, err
	}

	number, ok := resp.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, logging.NewOperationError("grpcclient.estimate_tone", "",
			fmt.Errorf("expected a number, got %T", resp.GetKind()))
	}
	tone := number.NumberValue
	if math.IsNaN(tone) || math.IsInf(tone, 0) || tone != math.Trunc(tone) {
		return 0, logging.NewOperationError("grpcclient.estimate_tone", "",
			fmt.Errorf("tone %v is not an integer", tone))
	}
	if tone >= math.MaxInt || tone < math.MinInt {
		return 0, logging.NewOperationError("grpcclient.estimate_tone", "",
			fmt.Errorf("tone %v is out of range", tone))
	}
	return int(tone), nil
}

// Essentials requests general recommendations for a feature vector.
func (c *Client) Essentials(ctx context.Context, features []int, recContext any) (any, error) {
	vector := make([]any, len(features))
	for i, f := range features {
		vector[i] = f
	}
	resp, err := c.invoke(ctx, "grpcclient.essentials", EssentialsMethod, map[string]any{
		"features": vector,
		"context":  recContext,
	})
	if err != nil {
		return nil, err
	}
	return resp.AsInterface(), nil
}

// Makeup requests makeup recommendations for a tone bucket and skin type.
func (c *Client) Makeup(ctx context.Context, toneBucket, skinType string) (any, error) {
	resp, err := c.invoke(ctx, "grpcclient.makeup", MakeupMethod, map[string]any{
		"tone_bucket": toneBucket,
		"skin_type":   skinType,
	})
	if err != nil {
		return nil, err
	}
	return resp.AsInterface(), nil
}

func (c *Client) invoke(ctx context.Context, operation, method string, fields map[string]any) (*structpb.Value, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", fmt.Errorf("encode request: %w", err))
	}

	resp := &structpb.Value{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		wrapped := logging.NewOperationError(operation, "", err)
		c.logger.Error("collaborator call failed", zap.Error(wrapped), zap.String("method", method))
		return nil, wrapped
	}
	return resp, nil
}
