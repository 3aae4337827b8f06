package remotestore

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"

	"github.com/distr1/buildqueue/pb/builder"
)

// fakeBuilderServer is a minimal in-memory Builder service for exercising
// the Store implementation without a real remote machine.
type fakeBuilderServer struct {
	builder.UnimplementedBuilderServer
}

func (f *fakeBuilderServer) ValidPaths(ctx context.Context, req *builder.ValidPathsRequest) (*builder.ValidPathsResponse, error) {
	var valid []string
	for _, p := range req.GetStorePaths() {
		if p == "/store/already-there" {
			valid = append(valid, p)
		}
	}
	return &builder.ValidPathsResponse{ValidPaths: valid}, nil
}

func (f *fakeBuilderServer) Build(req *builder.BuildRequest, stream builder.Builder_BuildServer) error {
	if err := stream.Send(&builder.BuildProgress{Log: &builder.Chunk{Data: []byte("building\n")}}); err != nil {
		return err
	}
	return stream.Send(&builder.BuildProgress{
		Done: true,
		Result: &builder.BuildResult{
			Success: true,
			Outputs: map[string]string{"out": "/store/" + req.GetDrvPath()},
		},
	})
}

func startFakeServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	srv := grpc.NewServer()
	builder.RegisterBuilderServer(srv, &fakeBuilderServer{})
	go srv.Serve(lis)
	return lis.Addr().String(), srv.Stop
}

func TestGRPCStoreQueryValidPaths(t *testing.T) {
	addr, stop := startFakeServer(t)
	defer stop()

	ctx := context.Background()
	s, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	got, err := s.QueryValidPaths(ctx, []string{"/store/already-there", "/store/missing"})
	if err != nil {
		t.Fatalf("QueryValidPaths: %v", err)
	}
	if len(got) != 1 || got[0] != "/store/already-there" {
		t.Fatalf("QueryValidPaths() = %v, want [/store/already-there]", got)
	}
}

func TestGRPCStoreBuildDerivation(t *testing.T) {
	addr, stop := startFakeServer(t)
	defer stop()

	ctx := context.Background()
	s, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	var logged []byte
	outcome, err := s.BuildDerivation(ctx, "foo.drv", nil, nil, 300, 7200, 0, func(b []byte) {
		logged = append(logged, b...)
	})
	if err != nil {
		t.Fatalf("BuildDerivation: %v", err)
	}
	if !outcome.Success || outcome.Outputs["out"] != "/store/foo.drv" {
		t.Fatalf("BuildDerivation() = %+v", outcome)
	}
	if string(logged) != "building\n" {
		t.Fatalf("logged = %q, want %q", logged, "building\n")
	}
}
