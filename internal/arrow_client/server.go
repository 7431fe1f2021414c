package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/apache/arrow/go/v17/arrow/flight"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/snapshot"
)

// SnapshotServer is a Flight service holding the latest snapshot per
// sequence in memory.
type SnapshotServer struct {
	flight.BaseFlightServer

	mu        sync.RWMutex
	snapshots map[string]snapshot.Snapshot
}

func NewSnapshotServer() *SnapshotServer {
	return &SnapshotServer{snapshots: make(map[string]snapshot.Snapshot)}
}

// Len returns the number of stored sequences.
func (s *SnapshotServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

func (s *SnapshotServer) lookup(sequence string) (snapshot.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[sequence]
	return snap, ok
}

func (s *SnapshotServer) info(snap snapshot.Snapshot) *flight.FlightInfo {
	return &flight.FlightInfo{
		FlightDescriptor: descriptor(snap.Sequence),
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: []byte(snap.Sequence)},
		}},
		TotalRecords: int64(snap.Steps),
		TotalBytes:   int64(2 * len(snap.Keys) * 4),
	}
}

// DoPut stores every record of the stream under the descriptor path. The
// last record wins.
func (s *SnapshotServer) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	defer func() { metrics.RecordSnapshotTransfer("server_put", err) }()

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read DoPut stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 || desc.Path[0] == "" {
		return status.Error(codes.InvalidArgument, "DoPut requires a path descriptor")
	}
	sequence := desc.Path[0]

	stored := 0
	for rdr.Next() {
		snap, err := snapshot.FromRecord(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode snapshot %q: %v", sequence, err)
		}
		snap.Sequence = sequence
		s.mu.Lock()
		s.snapshots[sequence] = snap
		s.mu.Unlock()
		stored++
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.Internal, "read snapshot %q: %v", sequence, err)
	}
	if stored == 0 {
		return status.Errorf(codes.InvalidArgument, "no records for %q", sequence)
	}

	logger.Log.Info("Stored KV snapshot", "sequence", sequence, "records", stored)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(sequence)})
}

// GetFlightInfo resolves a sequence path to a DoGet ticket.
func (s *SnapshotServer) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc == nil || len(desc.Path) == 0 {
		return nil, status.Error(codes.InvalidArgument, "path descriptor required")
	}
	snap, ok := s.lookup(desc.Path[0])
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no snapshot for %q", desc.Path[0])
	}
	return s.info(snap), nil
}

// DoGet streams the snapshot named by the ticket as a single record.
func (s *SnapshotServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	defer func() { metrics.RecordSnapshotTransfer("server_get", err) }()

	sequence := string(tkt.GetTicket())
	snap, ok := s.lookup(sequence)
	if !ok {
		return status.Errorf(codes.NotFound, "no snapshot for %q", sequence)
	}

	mem := memory.NewGoAllocator()
	rec, err := snap.Record(mem)
	if err != nil {
		return status.Errorf(codes.Internal, "encode snapshot %q: %v", sequence, err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write snapshot %q: %w", sequence, err)
	}
	return w.Close()
}

// ListFlights sends one FlightInfo per stored sequence in id order.
func (s *SnapshotServer) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	s.mu.RLock()
	infos := make([]*flight.FlightInfo, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		infos = append(infos, s.info(snap))
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].FlightDescriptor.Path[0] < infos[j].FlightDescriptor.Path[0]
	})
	for _, info := range infos {
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts a Flight server for s on addr and returns it once listening.
// Callers stop it with Shutdown.
func Serve(addr string, s *SnapshotServer) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("Flight snapshot server listening", "addr", srv.Addr().String())
	return srv, nil
}
