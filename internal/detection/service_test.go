package detection

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yolocam/internal/pipeline"
)

// fakeInference answers the inference methods without a model
type fakeInference struct {
	mu        sync.Mutex
	loads     []map[string]any
	infers    []map[string]any
	unloads   []string
	reply     *structpb.Struct
	failLoad  bool
	failInfer bool
}

func (f *fakeInference) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	switch method {
	case methodLoad:
		var req structpb.Struct
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		f.mu.Lock()
		f.loads = append(f.loads, req.AsMap())
		n, fail := len(f.loads), f.failLoad
		f.mu.Unlock()
		if fail {
			return status.Error(codes.NotFound, "param file not found")
		}
		return stream.SendMsg(wrapperspb.String(fmt.Sprintf("session-%d", n)))

	case methodInfer:
		var req structpb.Struct
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		f.mu.Lock()
		f.infers = append(f.infers, req.AsMap())
		reply, fail := f.reply, f.failInfer
		f.mu.Unlock()
		if fail {
			return status.Error(codes.Internal, "extractor failed")
		}
		if reply == nil {
			reply = &structpb.Struct{}
		}
		return stream.SendMsg(reply)

	case methodUnload:
		var req wrapperspb.StringValue
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		f.mu.Lock()
		f.unloads = append(f.unloads, req.GetValue())
		f.mu.Unlock()
		return stream.SendMsg(&emptypb.Empty{})
	}

	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (f *fakeInference) setReply(t *testing.T, detections ...map[string]any) {
	t.Helper()
	list := make([]any, len(detections))
	for i, d := range detections {
		list[i] = d
	}
	reply, err := structpb.NewStruct(map[string]any{"detections": list})
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	f.mu.Lock()
	f.reply = reply
	f.mu.Unlock()
}

func (f *fakeInference) lastInfer() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.infers) == 0 {
		return nil
	}
	return f.infers[len(f.infers)-1]
}

// startFakeService serves fakeInference over an in-memory listener with the
// given health status for every backend but the vendor GPU path
func startFakeService(t *testing.T, serving healthpb.HealthCheckResponse_ServingStatus) (*fakeInference, BackendConfig) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	fake := &fakeInference{}

	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	hs := health.NewServer()
	hs.SetServingStatus("", serving)
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cfg := BackendConfig{
		Endpoints: map[pipeline.Backend]string{
			pipeline.BackendCPU: "passthrough:///bufnet",
			pipeline.BackendGPU: "passthrough:///bufnet",
		},
		DialTimeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
	return fake, cfg
}
