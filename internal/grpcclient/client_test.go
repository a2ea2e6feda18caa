package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/classifier"
)

type inferServer interface {
	Infer(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error)
}

type fakeClassifier struct {
	logits    []float64
	err       error
	gotShape  string
	gotValues []float32
}

func (f *fakeClassifier) Infer(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(ShapeHeader); len(values) > 0 {
			f.gotShape = values[0]
		}
	}
	decoded, err := DecodeTensor(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.gotValues = decoded
	if f.err != nil {
		return nil, f.err
	}
	values := make([]interface{}, len(f.logits))
	for i, l := range f.logits {
		values[i] = l
	}
	return structpb.NewList(values)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*inferServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Infer",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(inferServer).Infer(ctx, in)
		},
	}},
}

func startServer(t *testing.T, fake *fakeClassifier, servingStatus healthpb.HealthCheckResponse_ServingStatus) (*Model, *grpc.ClientConn) {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&classifierServiceDesc, fake)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, servingStatus)
	healthpb.RegisterHealthServer(server, healthServer)

	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	model, conn, err := DialModel(context.Background(), "bufnet", time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return model, conn
}

func TestInferRoundTrip(t *testing.T) {
	fake := &fakeClassifier{logits: []float64{0.25, -1.5, 3}}
	model, _ := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	input := classifier.Tensor{Shape: []int{1, 3, 1, 1}, Data: []float32{0.5, -0.25, 1}}
	logits, err := model.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(logits) != 3 || logits[0] != 0.25 || logits[1] != -1.5 || logits[2] != 3 {
		t.Fatalf("unexpected logits: %v", logits)
	}
	if fake.gotShape != "1,3,1,1" {
		t.Fatalf("unexpected shape header: %q", fake.gotShape)
	}
	if len(fake.gotValues) != 3 || fake.gotValues[1] != -0.25 {
		t.Fatalf("tensor not transmitted intact: %v", fake.gotValues)
	}
}

func TestInferErrorIsInferenceKind(t *testing.T) {
	fake := &fakeClassifier{err: status.Error(codes.Unavailable, "model reloading")}
	model, _ := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	_, err := model.Infer(context.Background(), classifier.Tensor{Shape: []int{1}, Data: []float32{1}})
	if !apperr.IsKind(err, apperr.KindInference) {
		t.Fatalf("expected inference kind, got %v", err)
	}
	if status.Code(errors.Unwrap(errors.Unwrap(err))) != codes.Unavailable {
		t.Fatalf("expected grpc status to survive wrapping, got %v", err)
	}
}

func TestReady(t *testing.T) {
	model, _ := startServer(t, &fakeClassifier{}, healthpb.HealthCheckResponse_SERVING)
	if err := model.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	notServing, _ := startServer(t, &fakeClassifier{}, healthpb.HealthCheckResponse_NOT_SERVING)
	if err := notServing.Ready(context.Background()); err == nil {
		t.Fatal("expected not serving to be reported")
	}
}

func TestGatewayOverGRPC(t *testing.T) {
	fake := &fakeClassifier{logits: []float64{0, 0, 0, 0, 5, 0, 0}}
	model, _ := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	gateway, err := classifier.NewGateway(context.Background(), model, classifier.Options{Labels: classifier.DefaultLabels, InputSize: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to init gateway: %v", err)
	}

	res, err := gateway.Classify(context.Background(), solidPixel())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.Predicted() != "mel" {
		t.Fatalf("expected mel, got %s", res.Predicted())
	}
	if len(fake.gotValues) != 3*4*4 {
		t.Fatalf("unexpected tensor size: %d", len(fake.gotValues))
	}
}

func TestDecodeTensorRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecodeTensor([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
}
