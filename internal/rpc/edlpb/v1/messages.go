// Package edlpbv1 defines the wire messages and gRPC service contract for
// qdl-agent (api/edlpb/v1/edl.proto). Message types are plain Go structs
// rather than protoc-generated code: they travel over grpc using the JSON
// codec registered in codec.go instead of the protobuf wire format, since
// this module is built without a protoc toolchain invocation. See
// DESIGN.md for the reasoning.
package edlpbv1

// ChipIdentity mirrors edlpb.v1.ChipIdentity.
type ChipIdentity struct {
	Serial                uint32 `json:"serial"`
	HWID                  uint64 `json:"hwid"`
	ModelID               uint32 `json:"model_id"`
	OEMID                 uint32 `json:"oem_id"`
	SBLVersion            uint32 `json:"sbl_version"`
	TargetProtocolVersion uint32 `json:"target_protocol_version"`
}

// ConnectRequest mirrors edlpb.v1.ConnectRequest.
type ConnectRequest struct {
	ProgrammerPath string `json:"programmer_path"`
	StorageKind    string `json:"storage_kind"`
	SectorSize     uint32 `json:"sector_size"`
	FirehoseDirect bool   `json:"firehose_direct"`

	// AuthMode overrides the engine's per-OEM auth registry: "", "auto",
	// "none", "signature", or "challenge" (spec.md §6 connect). DigestPath
	// and SigPath are agent-local file paths read when AuthMode is
	// "signature".
	AuthMode   string `json:"auth_mode,omitempty"`
	DigestPath string `json:"digest_path,omitempty"`
	SigPath    string `json:"sig_path,omitempty"`
}

// ConnectResponse mirrors edlpb.v1.ConnectResponse.
type ConnectResponse struct {
	OK    bool         `json:"ok"`
	Error string       `json:"error,omitempty"`
	Chip  ChipIdentity `json:"chip"`
}

// StatusRequest mirrors edlpb.v1.StatusRequest.
type StatusRequest struct{}

// StatusResponse mirrors edlpb.v1.StatusResponse.
type StatusResponse struct {
	State       string       `json:"state"`
	Chip        ChipIdentity `json:"chip"`
	StorageKind string       `json:"storage_kind"`
	SectorSize  uint32       `json:"sector_size"`
	ActiveSlot  string       `json:"active_slot"`
}

// ListPartitionsRequest mirrors edlpb.v1.ListPartitionsRequest.
type ListPartitionsRequest struct {
	LUN int32 `json:"lun"` // -1 means all LUNs
}

// PartitionInfo mirrors edlpb.v1.PartitionInfo.
type PartitionInfo struct {
	LUN       int32  `json:"lun"`
	Name      string `json:"name"`
	FirstLBA  uint64 `json:"first_lba"`
	LastLBA   uint64 `json:"last_lba"`
	SizeBytes uint64 `json:"size_bytes"`
}

// ListPartitionsResponse mirrors edlpb.v1.ListPartitionsResponse.
type ListPartitionsResponse struct {
	Partitions []PartitionInfo `json:"partitions"`
}

// FlashPartitionRequest mirrors edlpb.v1.FlashPartitionRequest.
type FlashPartitionRequest struct {
	PartitionName string `json:"partition_name"`
	SourcePath    string `json:"source_path"`
}

// ReadPartitionRequest mirrors edlpb.v1.ReadPartitionRequest.
type ReadPartitionRequest struct {
	PartitionName string `json:"partition_name"`
	DestPath      string `json:"dest_path"`
}

// ProgressEvent mirrors edlpb.v1.ProgressEvent.
type ProgressEvent struct {
	TransferredBytes int64   `json:"transferred_bytes"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
	Message          string  `json:"message,omitempty"`
	Done             bool    `json:"done"`
	Error            string  `json:"error,omitempty"`
}

// RebootRequest mirrors edlpb.v1.RebootRequest.
type RebootRequest struct {
	Mode string `json:"mode"` // "reset", "off", "reset_to_edl"
}

// RebootResponse mirrors edlpb.v1.RebootResponse.
type RebootResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StreamEventsRequest mirrors edlpb.v1.StreamEventsRequest.
type StreamEventsRequest struct{}

// EngineEvent mirrors edlpb.v1.EngineEvent.
type EngineEvent struct {
	Kind      string `json:"kind"` // "state_changed", "port_disconnected", "log"
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	LogLine   string `json:"log_line,omitempty"`
}
