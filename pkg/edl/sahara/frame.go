// Package sahara implements the Sahara loader-boot protocol (spec.md §4.B):
// a binary length-prefixed request/response protocol used to upload a
// signed programmer image into device SRAM.
package sahara

import (
	"encoding/binary"
	"fmt"
)

// Command identifies a Sahara frame's command code.
type Command uint32

const (
	CmdHello             Command = 0x01
	CmdHelloResp         Command = 0x02
	CmdReadData          Command = 0x03
	CmdEndImageTransfer  Command = 0x04
	CmdDone              Command = 0x05
	CmdDoneResp          Command = 0x06
	CmdReset             Command = 0x07
	CmdResetResp         Command = 0x08
	CmdMemoryDebug       Command = 0x0B
	CmdMemoryRead        Command = 0x0C
	CmdCmdReady          Command = 0x10
	CmdSwitchMode        Command = 0x11
	CmdExecuteCmd        Command = 0x12
	CmdExecuteResp       Command = 0x13
	CmdExecuteData       Command = 0x14
	CmdMemoryDebug64     Command = 0x15
	CmdReadData64        Command = 0x16
	CmdResetMachine      Command = 0x17
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "Hello"
	case CmdHelloResp:
		return "HelloResp"
	case CmdReadData:
		return "ReadData"
	case CmdEndImageTransfer:
		return "EndImageTransfer"
	case CmdDone:
		return "Done"
	case CmdDoneResp:
		return "DoneResp"
	case CmdReset:
		return "Reset"
	case CmdResetResp:
		return "ResetResp"
	case CmdMemoryDebug:
		return "MemoryDebug"
	case CmdMemoryRead:
		return "MemoryRead"
	case CmdCmdReady:
		return "CmdReady"
	case CmdSwitchMode:
		return "SwitchMode"
	case CmdExecuteCmd:
		return "ExecuteCmd"
	case CmdExecuteResp:
		return "ExecuteResp"
	case CmdExecuteData:
		return "ExecuteData"
	case CmdMemoryDebug64:
		return "MemoryDebug64"
	case CmdReadData64:
		return "ReadData64"
	case CmdResetMachine:
		return "ResetMachine"
	default:
		return fmt.Sprintf("Cmd(0x%02X)", uint32(c))
	}
}

// frameHeaderLen is the fixed {command u32, length u32} header size; length
// includes the header itself.
const frameHeaderLen = 8

// Frame is one decoded Sahara frame: {command u32 LE, length u32 LE,
// payload length-8 bytes} (spec.md §4.B).
type Frame struct {
	Command Command
	Payload []byte
}

// Encode serializes the frame into the wire format.
func (f Frame) Encode() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Command))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(frameHeaderLen+len(f.Payload)))
	copy(buf[8:], f.Payload)
	return buf
}

// DecodeFrame parses a frame header out of buf and returns the command and
// the header-declared length, so the caller (which may not yet have the
// full payload buffered) knows how many bytes to keep reading.
func DecodeFrame(buf []byte) (cmd Command, length uint32, err error) {
	if len(buf) < frameHeaderLen {
		return 0, 0, fmt.Errorf("sahara: short frame header (%d bytes)", len(buf))
	}
	cmd = Command(binary.LittleEndian.Uint32(buf[0:4]))
	length = binary.LittleEndian.Uint32(buf[4:8])
	if length < frameHeaderLen {
		return 0, 0, fmt.Errorf("sahara: invalid frame length %d", length)
	}
	return cmd, length, nil
}

// HelloPayload is the device→host Hello frame body.
type HelloPayload struct {
	Version       uint32
	VersionMin    uint32
	MaxCmdLen     uint32
	Mode          uint32
}

func DecodeHello(payload []byte) (HelloPayload, error) {
	if len(payload) < 16 {
		return HelloPayload{}, fmt.Errorf("sahara: short hello payload (%d bytes)", len(payload))
	}
	return HelloPayload{
		Version:    binary.LittleEndian.Uint32(payload[0:4]),
		VersionMin: binary.LittleEndian.Uint32(payload[4:8]),
		MaxCmdLen:  binary.LittleEndian.Uint32(payload[8:12]),
		Mode:       binary.LittleEndian.Uint32(payload[12:16]),
	}, nil
}

// Hello-response mode/status values (spec.md §4.B).
const (
	ModeImageTransferPending uint32 = 0x00
	StatusSuccess            uint32 = 0x00
)

// EncodeHelloResp builds the host→device HelloResp frame body, echoing the
// device's protocol version.
func EncodeHelloResp(version, versionMin, mode, status uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], version)
	binary.LittleEndian.PutUint32(buf[4:8], versionMin)
	binary.LittleEndian.PutUint32(buf[8:12], mode)
	binary.LittleEndian.PutUint32(buf[12:16], status)
	return buf
}

// ReadDataPayload is the legacy (32-bit) device→host ReadData frame body.
type ReadDataPayload struct {
	ImageID uint32
	Offset  uint32
	Length  uint32
}

func DecodeReadData(payload []byte) (ReadDataPayload, error) {
	if len(payload) < 12 {
		return ReadDataPayload{}, fmt.Errorf("sahara: short read_data payload (%d bytes)", len(payload))
	}
	return ReadDataPayload{
		ImageID: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  binary.LittleEndian.Uint32(payload[4:8]),
		Length:  binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// ReadData64Payload is the 64-bit device→host ReadData64 frame body.
type ReadData64Payload struct {
	ImageID uint64
	Offset  uint64
	Length  uint64
}

func DecodeReadData64(payload []byte) (ReadData64Payload, error) {
	if len(payload) < 24 {
		return ReadData64Payload{}, fmt.Errorf("sahara: short read_data64 payload (%d bytes)", len(payload))
	}
	return ReadData64Payload{
		ImageID: binary.LittleEndian.Uint64(payload[0:8]),
		Offset:  binary.LittleEndian.Uint64(payload[8:16]),
		Length:  binary.LittleEndian.Uint64(payload[16:24]),
	}, nil
}

// EndImageTransferPayload reports the device's outcome for the image that
// was just uploaded.
type EndImageTransferPayload struct {
	ImageID uint32
	Status  uint32
}

func DecodeEndImageTransfer(payload []byte) (EndImageTransferPayload, error) {
	if len(payload) < 8 {
		return EndImageTransferPayload{}, fmt.Errorf("sahara: short end_image_transfer payload (%d bytes)", len(payload))
	}
	return EndImageTransferPayload{
		ImageID: binary.LittleEndian.Uint32(payload[0:4]),
		Status:  binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// DoneRespPayload carries the final image-transfer status and device mode.
type DoneRespPayload struct {
	ImageTxStatus uint32
	Mode          uint32
}

func DecodeDoneResp(payload []byte) (DoneRespPayload, error) {
	if len(payload) < 8 {
		return DoneRespPayload{}, fmt.Errorf("sahara: short done_resp payload (%d bytes)", len(payload))
	}
	return DoneRespPayload{
		ImageTxStatus: binary.LittleEndian.Uint32(payload[0:4]),
		Mode:          binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// ResetRespPayload carries the device's reset status.
type ResetRespPayload struct {
	Status uint32
}

func DecodeResetResp(payload []byte) (ResetRespPayload, error) {
	if len(payload) < 4 {
		return ResetRespPayload{}, fmt.Errorf("sahara: short reset_resp payload (%d bytes)", len(payload))
	}
	return ResetRespPayload{Status: binary.LittleEndian.Uint32(payload[0:4])}, nil
}
