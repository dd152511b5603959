// Package firehose implements the XML-over-raw-bytes Firehose protocol
// (spec.md §4.C, §4.D): command/response framing with flow-controlled bulk
// data transfer, and the high-level storage operations built on top of it.
package firehose

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"qdl/pkg/edl"
	"qdl/pkg/edl/transport"
)

// DefaultMaxPayloadToTarget is the value advertised in configure before the
// device's reply negotiates a different one (spec.md §4.C). Reads are not
// split by it.
const DefaultMaxPayloadToTarget = 1 << 20 // 1 MiB

// DefaultMaxPayloadFromTarget is the default host→device write chunk size
// before configure negotiates a different value.
const DefaultMaxPayloadFromTarget = 8 << 10 // 8 KiB

// Attr is one XML attribute. Attribute order on the wire is irrelevant
// (spec.md §4.C) but a slice keeps command construction deterministic and
// easy to test.
type Attr struct{ Key, Value string }

// A is a convenience constructor for Attr.
func A(key string, value any) Attr { return Attr{Key: key, Value: fmt.Sprint(value)} }

// AckFrame is a decoded <response .../> element.
type AckFrame struct {
	Value   string // "ACK" or "NAK"
	RawMode bool
	Attrs   map[string]string
}

// IsACK reports whether this response is a successful acknowledgement.
func (a *AckFrame) IsACK() bool { return a != nil && strings.EqualFold(a.Value, "ACK") }

// Frame is one decoded <data>...</data> document: zero or more log lines
// and at most one terminal response.
type Frame struct {
	Logs []string
	Ack  *AckFrame
}

type logElem struct {
	Value string `xml:"value,attr"`
}

type responseElem struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type dataDoc struct {
	XMLName  xml.Name       `xml:"data"`
	Logs     []logElem      `xml:"log"`
	Response *responseElem  `xml:"response"`
}

// Framer sends XML commands and parses the mixed XML-log/ACK/raw-data
// response stream Firehose returns (spec.md §4.C). It is not safe for
// concurrent use.
type Framer struct {
	tr       transport.Transport
	leftover []byte

	MaxPayloadToTarget   uint32 // advertised in configure and updated from the reply; reads are not split by it
	MaxPayloadFromTarget uint32 // write-chunk ceiling, negotiated by configure

	Verbose edl.VerboseLogger
}

// NewFramer wraps an already-open Transport.
func NewFramer(tr transport.Transport) *Framer {
	return &Framer{
		tr:                   tr,
		MaxPayloadToTarget:   DefaultMaxPayloadToTarget,
		MaxPayloadFromTarget: DefaultMaxPayloadFromTarget,
	}
}

// Prime seeds the receive buffer with bytes already drained off the
// transport by a prior protocol layer (e.g. Sahara's leftover after the
// final DoneResp), so no bytes are lost across a mode switch on the same
// transport.
func (fr *Framer) Prime(data []byte) {
	fr.leftover = append(fr.leftover, data...)
}

func (fr *Framer) logv(format string, args ...any) {
	if fr.Verbose != nil {
		fr.Verbose(format, args...)
	}
}

// SendCommand serializes tag/attrs as a single-root XML document and writes
// it, chunked to MaxPayloadFromTarget.
func (fr *Framer) SendCommand(ctx context.Context, tag string, attrs []Attr) error {
	doc := buildXML(tag, attrs)
	fr.logv("firehose tx %s", string(doc))
	return fr.writeChunked(ctx, doc)
}

// WriteRaw streams already-prepared sector-aligned bytes, chunked to
// MaxPayloadFromTarget (spec.md §4.C flow control).
func (fr *Framer) WriteRaw(ctx context.Context, data []byte) error {
	return fr.writeChunked(ctx, data)
}

func (fr *Framer) writeChunked(ctx context.Context, data []byte) error {
	limit := int(fr.MaxPayloadFromTarget)
	if limit <= 0 {
		limit = DefaultMaxPayloadFromTarget
	}
	for len(data) > 0 {
		n := len(data)
		if n > limit {
			n = limit
		}
		if err := fr.tr.WriteAll(ctx, data[:n]); err != nil {
			return &edl.Error{Op: "firehose.write", Kind: edl.KindTransport, Err: err}
		}
		data = data[n:]
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

// ensure reads more bytes from the transport into the leftover buffer,
// tolerating per-attempt read timeouts until deadline.
func (fr *Framer) ensure(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		return &edl.Error{Op: "firehose.ensure", Kind: edl.KindCancelled, Err: ctx.Err()}
	default:
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return &edl.Error{Op: "firehose.ensure", Kind: edl.KindTimeout}
	}
	tmp := make([]byte, 16384)
	n, err := fr.tr.Read(ctx, tmp, remaining)
	if n > 0 {
		fr.leftover = append(fr.leftover, tmp[:n]...)
		return nil
	}
	if err != nil && !isTimeoutErr(err) {
		return &edl.Error{Op: "firehose.ensure", Kind: edl.KindTransport, Err: err}
	}
	return nil
}

// ReceiveFrame reads and decodes one complete <data>...</data> document.
func (fr *Framer) ReceiveFrame(ctx context.Context, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if idx := bytes.Index(fr.leftover, []byte("</data>")); idx >= 0 {
			end := idx + len("</data>")
			docBytes := fr.leftover[:end]
			fr.leftover = append([]byte(nil), fr.leftover[end:]...)
			fr.logv("firehose rx %s", string(docBytes))
			return decodeDataDoc(docBytes)
		}
		if time.Now().After(deadline) {
			return Frame{}, &edl.Error{Op: "firehose.ReceiveFrame", Kind: edl.KindTimeout}
		}
		if err := fr.ensure(ctx, deadline); err != nil {
			return Frame{}, err
		}
	}
}

// ReadRaw reads exactly n raw bytes — used after a rawmode ACK to receive
// sector payload (spec.md §4.C, §4.D readSectors).
func (fr *Framer) ReadRaw(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for len(fr.leftover) < n {
		if time.Now().After(deadline) {
			return nil, &edl.Error{Op: "firehose.ReadRaw", Kind: edl.KindTimeout}
		}
		if err := fr.ensure(ctx, deadline); err != nil {
			return nil, err
		}
	}
	out := fr.leftover[:n]
	fr.leftover = append([]byte(nil), fr.leftover[n:]...)
	return out, nil
}

func decodeDataDoc(doc []byte) (Frame, error) {
	var d dataDoc
	if err := xml.Unmarshal(doc, &d); err != nil {
		return Frame{}, &edl.Error{Op: "firehose.decodeDataDoc", Kind: edl.KindProtocol, Err: err}
	}
	f := Frame{}
	for _, l := range d.Logs {
		f.Logs = append(f.Logs, l.Value)
	}
	if d.Response != nil {
		ack := &AckFrame{Attrs: map[string]string{}}
		for _, a := range d.Response.Attrs {
			ack.Attrs[a.Name.Local] = a.Value
			switch strings.ToLower(a.Name.Local) {
			case "value":
				ack.Value = a.Value
			case "rawmode":
				ack.RawMode = strings.EqualFold(a.Value, "true") || a.Value == "1"
			}
		}
		f.Ack = ack
	}
	return f, nil
}

func buildXML(tag string, attrs []Attr) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" ?><data><`)
	b.WriteString(tag)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(a.Value))
		b.WriteByte('"')
	}
	b.WriteString(`/></data>`)
	return []byte(b.String())
}

func escapeAttr(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
