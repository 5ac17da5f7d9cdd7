package bus

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Gossip wire form of an envelope: protowire-tagged fields, prefixed with
// the channel name so receivers can discard traffic for channels they do
// not carry.

const (
	fieldChannel protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldOrigin  protowire.Number = 3
	fieldData    protowire.Number = 4
)

func appendEnvelope(buf []byte, channelName string, env Envelope) []byte {
	buf = protowire.AppendTag(buf, fieldChannel, protowire.BytesType)
	buf = protowire.AppendString(buf, channelName)
	if env.ID != "" {
		buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
		buf = protowire.AppendString(buf, env.ID)
	}
	buf = protowire.AppendTag(buf, fieldOrigin, protowire.BytesType)
	buf = protowire.AppendString(buf, env.Origin)
	if env.Data != nil {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.Data)
	}
	return buf
}

func decodeEnvelope(body []byte) (channelName string, env Envelope, err error) {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return "", env, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, protowire.ParseError(n))
		}
		body = body[n:]

		switch num {
		case fieldChannel, fieldID, fieldOrigin, fieldData:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return "", env, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, protowire.ParseError(n))
			}
			switch num {
			case fieldChannel:
				channelName = string(v)
			case fieldID:
				env.ID = string(v)
			case fieldOrigin:
				env.Origin = string(v)
			case fieldData:
				env.Data = append([]byte(nil), v...)
			}
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return "", env, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}

	if channelName == "" || env.Origin == "" {
		return "", env, ErrEnvelopeInvalid
	}
	return channelName, env, nil
}
