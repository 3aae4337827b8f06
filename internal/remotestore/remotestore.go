// Package remotestore implements the remote build machine protocol (§6)
// over the gRPC service defined in pb/builder: connect, check which store
// paths a machine already has, ask it to realize a derivation, and stream
// back the resulting NARs.
package remotestore

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"golang.org/x/xerrors"

	"github.com/distr1/buildqueue/pb/builder"
)

// BuildOutcome is the terminal result of one remote build (§6
// buildDerivation's {status, errorMsg, ...} response).
type BuildOutcome struct {
	Success      bool
	ErrorMessage string
	Outputs      map[string]string
	Status       int32
}

// Store is the per-machine interface internal/builder drives a step
// through. One Store wraps one persistent gRPC connection (§6 "persistent
// transport per connection").
type Store interface {
	// QueryValidPaths returns the subset of storePaths the remote machine
	// already has, so the caller can skip copying them.
	QueryValidPaths(ctx context.Context, storePaths []string) ([]string, error)

	// BuildDerivation sends drvPath and its serialized derivation, streams
	// log chunks to onLog as they arrive, and returns the terminal outcome.
	BuildDerivation(ctx context.Context, drvPath string, derivation []byte, inputClosure []string, maxSilentTime, buildTimeout, maxLogSize int64, onLog func([]byte)) (BuildOutcome, error)

	// NarFromPath streams the NAR bytes for one output path to onChunk.
	NarFromPath(ctx context.Context, storePath string, onChunk func([]byte)) error

	// Close releases the underlying connection.
	Close() error
}

// grpcStore is the gRPC-backed Store implementation. internal/builder dials
// one per reservation, so a machine with MaxJobs > 1 can have that many
// BuildDerivation calls in flight, each on its own connection (the
// dispatcher's per-machine reservation, §4.2/§4.3, caps the count);
// QueryValidPaths and NarFromPath may overlap freely (§6 "Concurrency").
type grpcStore struct {
	conn   *grpc.ClientConn
	client builder.BuilderClient
}

// Dial connects to a remote build machine's gRPC endpoint. target follows
// grpc-go's dial target syntax, e.g. "host:port" or "unix:///path/to/sock"
// (the same convention the teacher's cmd/distri control-socket dialers use).
func Dial(ctx context.Context, target string) (Store, error) {
	conn, err := grpc.DialContext(ctx, target, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, xerrors.Errorf("dialing %s: %w", target, err)
	}
	return &grpcStore{conn: conn, client: builder.NewBuilderClient(conn)}, nil
}

func (s *grpcStore) QueryValidPaths(ctx context.Context, storePaths []string) ([]string, error) {
	resp, err := s.client.ValidPaths(ctx, &builder.ValidPathsRequest{StorePaths: storePaths})
	if err != nil {
		return nil, xerrors.Errorf("ValidPaths: %w", err)
	}
	return resp.GetValidPaths(), nil
}

func (s *grpcStore) BuildDerivation(ctx context.Context, drvPath string, derivation []byte, inputClosure []string, maxSilentTime, buildTimeout, maxLogSize int64, onLog func([]byte)) (BuildOutcome, error) {
	stream, err := s.client.Build(ctx, &builder.BuildRequest{
		DrvPath:              drvPath,
		Derivation:           derivation,
		MaxSilentTimeSeconds: maxSilentTime,
		BuildTimeoutSeconds:  buildTimeout,
		MaxLogSize:           maxLogSize,
		InputClosure:         inputClosure,
	})
	if err != nil {
		return BuildOutcome{}, xerrors.Errorf("Build: %w", err)
	}
	for {
		progress, err := stream.Recv()
		if err == io.EOF {
			return BuildOutcome{}, xerrors.New("Build stream closed without a terminal result")
		}
		if err != nil {
			return BuildOutcome{}, xerrors.Errorf("Build.Recv: %w", err)
		}
		if log := progress.GetLog(); log != nil && onLog != nil {
			onLog(log.GetData())
		}
		if progress.GetDone() {
			r := progress.GetResult()
			return BuildOutcome{
				Success:      r.GetSuccess(),
				ErrorMessage: r.GetErrorMessage(),
				Outputs:      r.GetOutputs(),
				Status:       r.GetStatus(),
			}, nil
		}
	}
}

func (s *grpcStore) NarFromPath(ctx context.Context, storePath string, onChunk func([]byte)) error {
	stream, err := s.client.Retrieve(ctx, &builder.RetrieveRequest{StorePath: storePath})
	if err != nil {
		return xerrors.Errorf("Retrieve: %w", err)
	}
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("Retrieve.Recv: %w", err)
		}
		if onChunk != nil {
			onChunk(chunk.GetData())
		}
	}
}

func (s *grpcStore) Close() error {
	return s.conn.Close()
}
