package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/classifier"
	"github.com/example/lesion-diagnostics/internal/logging"
)

const (
	// ServiceName is the gRPC service exposed by the model server.
	ServiceName = "lesion.classifier.v1.Classifier"
	// InferMethod takes the NCHW float32 tensor as little-endian bytes and
	// answers with the logits as a list of numbers.
	InferMethod = "/" + ServiceName + "/Infer"
	// ShapeHeader carries the tensor shape, e.g. "1,3,224,224".
	ShapeHeader = "x-tensor-shape"
)

// DialModel connects to the model server and returns a classifier.Model backed by it.
// The caller owns the returned connection.
func DialModel(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Model, *grpc.ClientConn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewModel(conn, logger), conn, nil
}

// Model adapts the remote classifier to classifier.Model.
type Model struct {
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
	logger *zap.Logger
}

var (
	_ classifier.Model           = (*Model)(nil)
	_ classifier.ReadinessProber = (*Model)(nil)
)

// NewModel wraps an existing connection.
func NewModel(conn grpc.ClientConnInterface, logger *zap.Logger) *Model {
	return &Model{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("grpc_model"),
	}
}

// Infer sends the tensor and returns the logits.
func (m *Model) Infer(ctx context.Context, input classifier.Tensor) ([]float32, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, ShapeHeader, formatShape(input.Shape))

	resp := &structpb.ListValue{}
	if err := m.conn.Invoke(ctx, InferMethod, wrapperspb.Bytes(EncodeTensor(input.Data)), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.infer", "", err)
		m.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, apperr.New(apperr.KindInference, "grpcclient.infer", wrapped)
	}

	logits := make([]float32, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		num, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, apperr.Newf(apperr.KindInference, "grpcclient.infer", "logit %d is not a number", i)
		}
		logits[i] = float32(num.NumberValue)
	}
	return logits, nil
}

// Ready reports whether the classifier service is SERVING per the gRPC health protocol.
func (m *Model) Ready(ctx context.Context) error {
	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("grpcclient.health_check", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("classifier status %s", resp.GetStatus())
	}
	return nil
}

// EncodeTensor packs values as little-endian IEEE 754 float32.
func EncodeTensor(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
