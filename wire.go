package symbiosome

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format of a portal link: varint-length-prefixed frames, fields
// encoded with protowire tags. The first frame on a stream MUST be an init
// frame carrying the sender's declared origin (the "parent" the receiver
// authenticates against) and the origin the sender believes it is talking
// to. Every later frame is a data frame with an opaque payload.

const maxFrameBytes = 1 << 20

type frameType uint64

const (
	frameInit frameType = 1
	frameData frameType = 2
)

const (
	fieldType   protowire.Number = 1
	fieldSource protowire.Number = 2
	fieldTarget protowire.Number = 3
	fieldID     protowire.Number = 4
	fieldData   protowire.Number = 5
)

type frame struct {
	typ     frameType
	source  string
	target  string
	id      string
	payload []byte
}

func appendFrame(buf []byte, f frame) []byte {
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.typ))
	if f.source != "" {
		buf = protowire.AppendTag(buf, fieldSource, protowire.BytesType)
		buf = protowire.AppendString(buf, f.source)
	}
	if f.target != "" {
		buf = protowire.AppendTag(buf, fieldTarget, protowire.BytesType)
		buf = protowire.AppendString(buf, f.target)
	}
	if f.id != "" {
		buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
		buf = protowire.AppendString(buf, f.id)
	}
	if f.payload != nil {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.payload)
	}
	return buf
}

func parseFrame(body []byte) (f frame, err error) {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrFrameInvalid, protowire.ParseError(n))
		}
		body = body[n:]

		switch num {
		case fieldType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return f, fmt.Errorf("%w: %w", ErrFrameInvalid, protowire.ParseError(n))
			}
			f.typ = frameType(v)
			body = body[n:]
		case fieldSource, fieldTarget, fieldID, fieldData:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return f, fmt.Errorf("%w: %w", ErrFrameInvalid, protowire.ParseError(n))
			}
			switch num {
			case fieldSource:
				f.source = string(v)
			case fieldTarget:
				f.target = string(v)
			case fieldID:
				f.id = string(v)
			case fieldData:
				f.payload = append([]byte(nil), v...)
			}
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return f, fmt.Errorf("%w: %w", ErrFrameInvalid, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}

	if f.typ != frameInit && f.typ != frameData {
		return f, fmt.Errorf("%w: unknown frame type %d", ErrFrameInvalid, f.typ)
	}
	return f, nil
}

func writeFrame(w io.Writer, f frame) error {
	body := appendFrame(nil, f)
	if len(body) > maxFrameBytes {
		return ErrTooLargeFrame
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(body)+4), uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) (frame, error) {
	size, err := readUvarint(r)
	if err != nil {
		return frame{}, err
	}
	if size > maxFrameBytes {
		return frame{}, ErrTooLargeFrame
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	return parseFrame(body)
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) >= protowire.SizeVarint(^uint64(0)) {
			return 0, ErrFrameInvalid
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrFrameInvalid, protowire.ParseError(n))
	}
	return v, nil
}
