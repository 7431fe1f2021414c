package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow/flight"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/snapshot"
)

const (
	// DefaultPort is the Flight port served by kvstore.
	DefaultPort = 3000

	directionPut  = "put"
	directionGet  = "get"
	directionList = "list"
)

var (
	ErrNotConnected = errors.New("client not connected, call Connect() first")
	ErrNotFound     = errors.New("snapshot not found")
)

// SnapshotStore is implemented by the Flight client and the in-memory mock.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, s snapshot.Snapshot) error
	GetSnapshot(ctx context.Context, sequence string) (snapshot.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]string, error)
}

// FlightClient moves KV cache snapshots to and from a Flight server. A
// snapshot is addressed by its sequence id, used as the descriptor path for
// DoPut and GetFlightInfo. The returned endpoint ticket drives DoGet.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient creates an unconnected client for host:port.
func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, fmt.Errorf("empty host")
	}
	if port <= 0 {
		port = DefaultPort
	}
	return NewFlightClientAddr(fmt.Sprintf("%s:%d", host, port))
}

// NewFlightClientAddr creates an unconnected client for a host:port address.
func NewFlightClientAddr(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}
	return &FlightClient{addr: addr, timeout: 30 * time.Second}, nil
}

func (fc *FlightClient) Addr() string {
	return fc.addr
}

// SetTimeout bounds every call made without a context deadline.
func (fc *FlightClient) SetTimeout(d time.Duration) {
	fc.timeout = d
}

// Connect establishes the gRPC channel.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("Flight client connected", "addr", fc.addr)
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

func (fc *FlightClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || fc.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fc.timeout)
}

// PutSnapshot uploads s under s.Sequence, replacing any earlier snapshot.
func (fc *FlightClient) PutSnapshot(ctx context.Context, s snapshot.Snapshot) (err error) {
	defer func() { metrics.RecordSnapshotTransfer(directionPut, err) }()
	if fc.client == nil {
		return ErrNotConnected
	}
	if s.Sequence == "" {
		return fmt.Errorf("%w: snapshot has no sequence id", snapshot.ErrMalformed)
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	mem := memory.NewGoAllocator()
	rec, err := s.Record(mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(descriptor(s.Sequence))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut rejected: %w", err)
		}
	}

	logger.Log.Debug("Sent KV snapshot", "sequence", s.Sequence, "steps", s.Steps, "hidden_dim", s.HiddenDim)
	return nil
}

// GetSnapshot downloads the snapshot stored under sequence.
func (fc *FlightClient) GetSnapshot(ctx context.Context, sequence string) (s snapshot.Snapshot, err error) {
	defer func() { metrics.RecordSnapshotTransfer(directionGet, err) }()
	if fc.client == nil {
		return snapshot.Snapshot{}, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	info, err := fc.client.GetFlightInfo(ctx, descriptor(sequence))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return snapshot.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, sequence)
		}
		return snapshot.Snapshot{}, fmt.Errorf("failed to get flight info: %w", err)
	}
	if len(info.Endpoint) == 0 || info.Endpoint[0].Ticket == nil {
		return snapshot.Snapshot{}, fmt.Errorf("%w: no endpoint for %s", snapshot.ErrMalformed, sequence)
	}

	stream, err := fc.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("failed to read DoGet stream: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
		}
		return snapshot.Snapshot{}, fmt.Errorf("%w: empty stream for %s", snapshot.ErrMalformed, sequence)
	}
	return snapshot.FromRecord(rdr.Record())
}

// ListSnapshots returns the sequence ids held by the server.
func (fc *FlightClient) ListSnapshots(ctx context.Context) (ids []string, err error) {
	defer func() { metrics.RecordSnapshotTransfer(directionList, err) }()
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list flights: %w", err)
		}
		if d := info.GetFlightDescriptor(); d != nil && len(d.Path) > 0 {
			ids = append(ids, d.Path[0])
		}
	}
}

func descriptor(sequence string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{sequence},
	}
}
