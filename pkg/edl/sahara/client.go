package sahara

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"qdl/pkg/edl"
	"qdl/pkg/edl/transport"
)

// ErrMemoryDebugMode is returned by UploadProgrammer when the device sends
// a MemoryDebug[64] frame instead of ReadData after HelloResp — the device
// is in debug dump mode, which this client does not drive beyond reporting
// (spec.md §4.B).
var ErrMemoryDebugMode = errors.New("sahara: device entered memory-debug dump mode")

// ImageSource supplies the programmer image bytes Sahara uploads. It
// abstracts the filesystem access spec.md §6 names as an external
// collaborator.
type ImageSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// FileImage is an ImageSource backed by an *os.File.
type FileImage struct {
	f    *os.File
	size int64
}

// OpenFileImage opens path read-only as a programmer image.
func OpenFileImage(path string) (*FileImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &edl.Error{Op: "sahara.OpenFileImage", Kind: edl.KindIO, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &edl.Error{Op: "sahara.OpenFileImage", Kind: edl.KindIO, Err: err}
	}
	return &FileImage{f: f, size: info.Size()}, nil
}

func (fi *FileImage) ReadAt(p []byte, off int64) (int, error) { return fi.f.ReadAt(p, off) }
func (fi *FileImage) Size() int64                             { return fi.size }
func (fi *FileImage) Close() error                            { return fi.f.Close() }

// Client drives the Sahara loader-boot protocol against a single Transport.
// It is not safe for concurrent use — spec.md §5 allows one outstanding
// operation per engine instance at a time.
type Client struct {
	tr       transport.Transport
	leftover []byte

	Verbose edl.VerboseLogger
	Summary edl.SummaryLogger
}

// NewClient wraps an already-opened Transport. The caller is responsible
// for Open/Close lifecycle (spec.md §5: transport is owned by the
// orchestrating engine, not by Sahara/Firehose).
func NewClient(tr transport.Transport) *Client {
	return &Client{tr: tr}
}

// Leftover returns any bytes already read off the transport past the last
// decoded frame boundary. connection.Engine does not forward them: it
// closes the transport after the Sahara session and reopens it with
// pending input discarded before Firehose starts.
func (c *Client) Leftover() []byte { return c.leftover }

func (c *Client) logv(format string, args ...any) {
	if c.Verbose != nil {
		c.Verbose(format, args...)
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.logv("sahara tx %s (%d bytes)", f.Command, len(f.Payload))
	if err := c.tr.WriteAll(ctx, f.Encode()); err != nil {
		return &edl.Error{Op: "sahara.write", Kind: edl.KindTransport, Err: err}
	}
	return nil
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	var ee *edl.Error
	if errors.As(err, &ee) && ee.Kind == edl.KindTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// readFrame reads one complete frame, buffering any bytes read past the
// frame boundary for the next call.
func (c *Client) readFrame(ctx context.Context, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := c.leftover
	c.leftover = nil
	tmp := make([]byte, 8192)

	for {
		if len(buf) >= frameHeaderLen {
			cmd, length, err := DecodeFrame(buf)
			if err != nil {
				return Frame{}, &edl.Error{Op: "sahara.readFrame", Kind: edl.KindProtocol, Err: err}
			}
			if uint32(len(buf)) >= length {
				payload := append([]byte(nil), buf[frameHeaderLen:length]...)
				if uint32(len(buf)) > length {
					c.leftover = append([]byte(nil), buf[length:]...)
				}
				c.logv("sahara rx %s (%d bytes)", cmd, len(payload))
				return Frame{Command: cmd, Payload: payload}, nil
			}
		}

		select {
		case <-ctx.Done():
			c.leftover = buf
			return Frame{}, &edl.Error{Op: "sahara.readFrame", Kind: edl.KindCancelled, Err: ctx.Err()}
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.leftover = buf
			return Frame{}, &edl.Error{Op: "sahara.readFrame", Kind: edl.KindTimeout}
		}

		n, err := c.tr.Read(ctx, tmp, remaining)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			continue
		}
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			c.leftover = buf
			return Frame{}, &edl.Error{Op: "sahara.readFrame", Kind: edl.KindTransport, Err: err}
		}
	}
}

// writeRaw writes data verbatim, without a Sahara frame header; the upload
// path uses it to send the image chunk each ReadData requests.
func (c *Client) writeRaw(ctx context.Context, data []byte) error {
	if err := c.tr.WriteAll(ctx, data); err != nil {
		return &edl.Error{Op: "sahara.writeRaw", Kind: edl.KindTransport, Err: err}
	}
	return nil
}

// WaitHello blocks up to timeout for the device's unsolicited Hello.
func (c *Client) WaitHello(ctx context.Context, timeout time.Duration) (HelloPayload, error) {
	f, err := c.readFrame(ctx, timeout)
	if err != nil {
		return HelloPayload{}, err
	}
	if f.Command != CmdHello {
		return HelloPayload{}, &edl.Error{Op: "sahara.WaitHello", Kind: edl.KindProtocol,
			Err: fmt.Errorf("expected Hello, got %s", f.Command)}
	}
	return DecodeHello(f.Payload)
}

// SendHelloResp replies to a Hello, echoing its protocol version with
// mode=image-transfer-pending, status=success.
func (c *Client) SendHelloResp(ctx context.Context, hello HelloPayload) error {
	payload := EncodeHelloResp(hello.Version, hello.VersionMin, ModeImageTransferPending, StatusSuccess)
	return c.write(ctx, Frame{Command: CmdHelloResp, Payload: payload})
}

// UploadProgrammer drives the image-transfer loop to completion: it answers
// ReadData/ReadData64 requests from image until EndImageTransfer arrives,
// then exchanges Done/DoneResp. progress is invoked synchronously after
// every ReadData with offset/size.
func (c *Client) UploadProgrammer(ctx context.Context, image ImageSource, frameTimeout time.Duration, progress edl.PercentProgress) error {
	total := image.Size()

	for {
		f, err := c.readFrame(ctx, frameTimeout)
		if err != nil {
			return err
		}

		switch f.Command {
		case CmdReadData:
			rd, err := DecodeReadData(f.Payload)
			if err != nil {
				return &edl.Error{Op: "sahara.UploadProgrammer", Kind: edl.KindProtocol, Err: err}
			}
			if err := c.sendImageChunk(ctx, image, int64(rd.Offset), int64(rd.Length)); err != nil {
				return err
			}
			if progress != nil && total > 0 {
				progress(float64(rd.Offset) / float64(total) * 100)
			}

		case CmdReadData64:
			rd, err := DecodeReadData64(f.Payload)
			if err != nil {
				return &edl.Error{Op: "sahara.UploadProgrammer", Kind: edl.KindProtocol, Err: err}
			}
			if err := c.sendImageChunk(ctx, image, int64(rd.Offset), int64(rd.Length)); err != nil {
				return err
			}
			if progress != nil && total > 0 {
				progress(float64(rd.Offset) / float64(total) * 100)
			}

		case CmdEndImageTransfer:
			end, err := DecodeEndImageTransfer(f.Payload)
			if err != nil {
				return &edl.Error{Op: "sahara.UploadProgrammer", Kind: edl.KindProtocol, Err: err}
			}
			if end.Status != 0 {
				return &edl.Error{Op: "sahara.UploadProgrammer", Kind: edl.KindBadImage,
					Err: fmt.Errorf("end_image_transfer status=%d", end.Status)}
			}
			return c.finishDone(ctx, frameTimeout)

		case CmdMemoryDebug, CmdMemoryDebug64:
			return ErrMemoryDebugMode

		default:
			return &edl.Error{Op: "sahara.UploadProgrammer", Kind: edl.KindProtocol,
				Err: fmt.Errorf("unexpected command %s during image transfer", f.Command)}
		}
	}
}

func (c *Client) sendImageChunk(ctx context.Context, image ImageSource, offset, length int64) error {
	chunk := make([]byte, length)
	n, err := image.ReadAt(chunk, offset)
	if err != nil && !(err == io.EOF && int64(n) == length) {
		return &edl.Error{Op: "sahara.sendImageChunk", Kind: edl.KindIO, Err: err}
	}
	return c.writeRaw(ctx, chunk)
}

func (c *Client) finishDone(ctx context.Context, frameTimeout time.Duration) error {
	if err := c.write(ctx, Frame{Command: CmdDone}); err != nil {
		return err
	}
	f, err := c.readFrame(ctx, frameTimeout)
	if err != nil {
		return err
	}
	if f.Command != CmdDoneResp {
		return &edl.Error{Op: "sahara.finishDone", Kind: edl.KindProtocol,
			Err: fmt.Errorf("expected DoneResp, got %s", f.Command)}
	}
	done, err := DecodeDoneResp(f.Payload)
	if err != nil {
		return &edl.Error{Op: "sahara.finishDone", Kind: edl.KindProtocol, Err: err}
	}
	if done.ImageTxStatus != 0 {
		return &edl.Error{Op: "sahara.finishDone", Kind: edl.KindBadImage,
			Err: fmt.Errorf("image transfer status=%d", done.ImageTxStatus)}
	}
	return nil
}

// ResetSahara recovers a stuck loader: it issues Reset, absorbs a few
// frames, and if nothing useful arrives, discards input and sends
// ResetMachine before re-probing for a fresh Hello (spec.md §4.B). It
// returns (true, nil) iff a fresh Hello appears; a timed-out recovery
// attempt returns (false, nil) rather than an error.
func (c *Client) ResetSahara(ctx context.Context, absorbTimeout, helloTimeout time.Duration) (bool, error) {
	if err := c.write(ctx, Frame{Command: CmdReset}); err != nil {
		return false, err
	}

	for absorbed := 0; absorbed < 5; absorbed++ {
		f, err := c.readFrame(ctx, absorbTimeout)
		if err != nil {
			if isTimeoutErr(err) {
				break
			}
			return false, err
		}
		if f.Command == CmdHello {
			return true, nil
		}
		if f.Command == CmdResetResp {
			break
		}
	}

	if err := c.tr.DiscardInput(); err != nil {
		return false, &edl.Error{Op: "sahara.ResetSahara", Kind: edl.KindTransport, Err: err}
	}
	if err := c.write(ctx, Frame{Command: CmdResetMachine}); err != nil {
		return false, err
	}

	f, err := c.readFrame(ctx, helloTimeout)
	if err != nil {
		if isTimeoutErr(err) {
			return false, nil
		}
		return false, err
	}
	return f.Command == CmdHello, nil
}
