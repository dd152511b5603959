// Package agentserver adapts a connection.Engine to the edlpb.v1.Agent gRPC
// service exposed by cmd/qdl-agent.
package agentserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"qdl/pkg/edl"
	"qdl/pkg/edl/auth"
	"qdl/pkg/edl/connection"
	"qdl/pkg/edl/sahara"
	"qdl/pkg/edl/transport"
	edlpbv1 "qdl/internal/rpc/edlpb/v1"
)

// Server implements edlpbv1.AgentServer on top of a single connection.Engine.
// Only one flash/read stream may run at a time, matching the engine's
// one-outstanding-operation contract (spec.md §5).
type Server struct {
	eng *connection.Engine

	mu        sync.Mutex
	opRunning bool

	events chan edlpbv1.EngineEvent
}

// New wraps eng. eng should already be constructed via connection.New and
// not yet connected; the caller drives Connect separately before serving.
func New(eng *connection.Engine) *Server {
	s := &Server{eng: eng, events: make(chan edlpbv1.EngineEvent, 64)}
	eng.OnEvent(s.onEngineEvent)
	return s
}

func (s *Server) onEngineEvent(event any) {
	switch e := event.(type) {
	case connection.StateChanged:
		s.publish(edlpbv1.EngineEvent{Kind: "state_changed", FromState: e.From.String(), ToState: e.To.String()})
	case connection.PortDisconnected:
		s.publish(edlpbv1.EngineEvent{Kind: "port_disconnected"})
	}
}

func (s *Server) publish(e edlpbv1.EngineEvent) {
	select {
	case s.events <- e:
	default:
		// Drop the oldest event rather than block the engine's event path.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- e:
		default:
		}
	}
}

func chipToPB(c edl.ChipIdentity) edlpbv1.ChipIdentity {
	return edlpbv1.ChipIdentity{
		Serial:                c.Serial,
		HWID:                  c.HWID,
		ModelID:               c.ModelID,
		OEMID:                 uint32(c.OEMID()),
		SBLVersion:            c.SBLVersion,
		TargetProtocolVersion: c.TargetProtocolVer,
	}
}

func (s *Server) beginOp(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opRunning {
		return &edl.Error{Op: op, Kind: edl.KindProtocol, Err: fmt.Errorf("another operation is already running")}
	}
	s.opRunning = true
	return nil
}

func (s *Server) endOp() {
	s.mu.Lock()
	s.opRunning = false
	s.mu.Unlock()
}

// Connect opens the transport and brings the engine up to a Ready Firehose
// session, optionally skipping Sahara when FirehoseDirect is set.
func (s *Server) Connect(ctx context.Context, req *edlpbv1.ConnectRequest) (*edlpbv1.ConnectResponse, error) {
	if err := s.beginOp("agentserver.Connect"); err != nil {
		return nil, err
	}
	defer s.endOp()

	storage := edl.StorageDescriptor{
		Kind:       edl.StorageKind(req.StorageKind),
		SectorSize: req.SectorSize,
	}
	if storage.Kind == "" {
		storage.Kind = edl.StorageUFS
	}
	if storage.SectorSize == 0 {
		storage.SectorSize = 4096
	}

	if err := s.applyAuthOverride(req.AuthMode, req.DigestPath, req.SigPath); err != nil {
		return &edlpbv1.ConnectResponse{OK: false, Error: err.Error()}, nil
	}

	opts := transport.OpenOptions{DiscardOnOpen: true}

	var err error
	if req.FirehoseDirect {
		err = s.eng.ConnectFirehoseDirect(ctx, opts, storage)
	} else {
		img, openErr := sahara.OpenFileImage(req.ProgrammerPath)
		if openErr != nil {
			return &edlpbv1.ConnectResponse{OK: false, Error: openErr.Error()}, nil
		}
		defer img.Close()
		err = s.eng.Connect(ctx, opts, img, storage)
	}
	if err != nil {
		return &edlpbv1.ConnectResponse{OK: false, Error: err.Error()}, nil
	}
	return &edlpbv1.ConnectResponse{OK: true, Chip: chipToPB(s.eng.Chip())}, nil
}

// applyAuthOverride replaces the engine's auth registry with a single
// manual strategy when the caller requests one explicitly (spec.md §6
// connect inputs: auth mode, digest path, sig path). An empty/"auto" mode
// leaves the engine's per-OEM default registry untouched.
func (s *Server) applyAuthOverride(mode, digestPath, sigPath string) error {
	var digestHex, sigHex string
	if digestPath != "" {
		data, err := os.ReadFile(digestPath)
		if err != nil {
			return fmt.Errorf("read digest file: %w", err)
		}
		digestHex = hex.EncodeToString(data)
	}
	if sigPath != "" {
		data, err := os.ReadFile(sigPath)
		if err != nil {
			return fmt.Errorf("read signature file: %w", err)
		}
		sigHex = hex.EncodeToString(data)
	}
	strat, err := auth.StrategyForMode(mode, digestHex, sigHex)
	if err != nil {
		return err
	}
	if strat != nil {
		s.eng.AuthRegs = auth.NewRegistry(strat)
	}
	return nil
}

// GetStatus reports the current orchestrator state and chip identity.
func (s *Server) GetStatus(ctx context.Context, req *edlpbv1.StatusRequest) (*edlpbv1.StatusResponse, error) {
	return &edlpbv1.StatusResponse{
		State:       s.eng.State().String(),
		Chip:        chipToPB(s.eng.Chip()),
		StorageKind: string(s.eng.Storage.Kind),
		SectorSize:  s.eng.Storage.SectorSize,
		ActiveSlot:  string(s.eng.Storage.ActiveSlot),
	}, nil
}

// ListPartitions returns the cached GPT entries for one LUN, or every LUN
// when req.LUN is negative.
func (s *Server) ListPartitions(ctx context.Context, req *edlpbv1.ListPartitionsRequest) (*edlpbv1.ListPartitionsResponse, error) {
	if err := s.eng.ReadAllGpt(ctx, 8); err != nil {
		return nil, err
	}
	var entries []edl.PartitionEntry
	if req.LUN < 0 {
		entries = s.eng.GPT.All()
	} else {
		entries = s.eng.GPT.Partitions(int(req.LUN))
	}
	out := make([]edlpbv1.PartitionInfo, 0, len(entries))
	for _, p := range entries {
		out = append(out, edlpbv1.PartitionInfo{
			LUN:       int32(p.LUN),
			Name:      p.Name,
			FirstLBA:  p.FirstLBA,
			LastLBA:   p.LastLBA,
			SizeBytes: p.SizeBytes(s.eng.Storage.SectorSize),
		})
	}
	return &edlpbv1.ListPartitionsResponse{Partitions: out}, nil
}

// FlashPartition streams progress while writing srcPath onto a named
// partition.
func (s *Server) FlashPartition(req *edlpbv1.FlashPartitionRequest, stream edlpbv1.Agent_FlashPartitionServer) error {
	if err := s.beginOp("agentserver.FlashPartition"); err != nil {
		return err
	}
	defer s.endOp()

	err := s.eng.WritePartition(stream.Context(), req.PartitionName, req.SourcePath, func(sent, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(sent) / float64(total) * 100
		}
		_ = stream.Send(&edlpbv1.ProgressEvent{TransferredBytes: sent, TotalBytes: total, Percent: pct})
	})
	if err != nil {
		return stream.Send(&edlpbv1.ProgressEvent{Done: true, Error: err.Error()})
	}
	return stream.Send(&edlpbv1.ProgressEvent{Done: true})
}

// ReadPartition streams progress while dumping a named partition to disk.
func (s *Server) ReadPartition(req *edlpbv1.ReadPartitionRequest, stream edlpbv1.Agent_ReadPartitionServer) error {
	if err := s.beginOp("agentserver.ReadPartition"); err != nil {
		return err
	}
	defer s.endOp()

	err := s.eng.ReadPartition(stream.Context(), req.PartitionName, req.DestPath, func(sent, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(sent) / float64(total) * 100
		}
		_ = stream.Send(&edlpbv1.ProgressEvent{TransferredBytes: sent, TotalBytes: total, Percent: pct})
	})
	if err != nil {
		return stream.Send(&edlpbv1.ProgressEvent{Done: true, Error: err.Error()})
	}
	return stream.Send(&edlpbv1.ProgressEvent{Done: true})
}

// Reboot issues a power command against the active Firehose session.
func (s *Server) Reboot(ctx context.Context, req *edlpbv1.RebootRequest) (*edlpbv1.RebootResponse, error) {
	var err error
	switch edl.ResetMode(req.Mode) {
	case edl.ResetPowerOff:
		err = s.eng.PowerOff(ctx)
	case edl.ResetToEDL:
		err = s.eng.RebootToEDL(ctx)
	default:
		err = s.eng.Reboot(ctx)
	}
	if err != nil {
		return &edlpbv1.RebootResponse{OK: false, Error: err.Error()}, nil
	}
	return &edlpbv1.RebootResponse{OK: true}, nil
}

// StreamEvents forwards orchestrator events (state transitions, disconnects)
// to the subscriber until its context is cancelled.
func (s *Server) StreamEvents(req *edlpbv1.StreamEventsRequest, stream edlpbv1.Agent_StreamEventsServer) error {
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case e := <-s.events:
			if err := stream.Send(&e); err != nil {
				return err
			}
		}
	}
}
