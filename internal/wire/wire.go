// Package wire implements the two framings used between nodes and the server.
//
// TCP: every message is [4-byte big-endian body length][32-byte identity][payload].
// The length covers the identity and the payload.
//
// UDP: every message is two datagrams. The first carries the 32-byte zero-padded
// identity followed by the payload size as zero-padded decimal ASCII (at least four
// digits). The second carries the raw payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

const (
	// LengthPrefixLen is the size of the TCP length field.
	LengthPrefixLen = 4
	// SizeDigits is the minimum width of the UDP decimal size field.
	SizeDigits = 4
	// UDPHeaderLen is the length of a UDP header datagram with a four digit size.
	UDPHeaderLen = types.NodeIdentityLen + SizeDigits
	// MaxUDPPayload is the largest payload a single IPv4 datagram can carry.
	MaxUDPPayload = 65507
	// MaxTCPBody bounds the body length accepted from a stream.
	MaxTCPBody = 16 * 1024 * 1024
)

var (
	ErrTruncated        = errors.New("truncated frame")
	ErrMalformedHeader  = errors.New("malformed frame header")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrOrphanPayload    = errors.New("payload datagram without header")
	ErrHeaderSuperseded = errors.New("header superseded before its payload arrived")
)

// EncodeTCP returns the stream encoding of msg.
func EncodeTCP(msg types.FrameMessage) ([]byte, error) {
	if err := msg.Source.Validate(); err != nil {
		return nil, err
	}
	bodyLen := types.NodeIdentityLen + len(msg.Payload)
	if bodyLen > MaxTCPBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg.Payload))
	}

	out := make([]byte, LengthPrefixLen+bodyLen)
	binary.BigEndian.PutUint32(out, uint32(bodyLen))
	id := msg.Source.Bytes()
	copy(out[LengthPrefixLen:], id[:])
	copy(out[LengthPrefixLen+types.NodeIdentityLen:], msg.Payload)
	return out, nil
}

// DecodeTCP decodes exactly one stream-encoded message from b.
// It reports false for truncated or malformed input.
func DecodeTCP(b []byte) (types.FrameMessage, bool) {
	if len(b) < LengthPrefixLen {
		return types.FrameMessage{}, false
	}
	bodyLen := int(binary.BigEndian.Uint32(b))
	if bodyLen < types.NodeIdentityLen || bodyLen > MaxTCPBody || len(b) != LengthPrefixLen+bodyLen {
		return types.FrameMessage{}, false
	}
	return splitBody(b[LengthPrefixLen:]), true
}

func splitBody(body []byte) types.FrameMessage {
	payload := make([]byte, len(body)-types.NodeIdentityLen)
	copy(payload, body[types.NodeIdentityLen:])
	return types.FrameMessage{
		Source:  types.IdentityFromBytes(body[:types.NodeIdentityLen]),
		Payload: payload,
	}
}

// Decoder reassembles messages from a byte stream that may split or coalesce them.
type Decoder struct {
	r      *bufio.Reader
	header [LengthPrefixLen]byte
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next message. It returns io.EOF on a clean end of stream,
// ErrTruncated when the stream ends mid-message and ErrMalformedHeader when the
// length field cannot be valid. Both errors leave the stream out of sync.
func (d *Decoder) Next() (types.FrameMessage, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return types.FrameMessage{}, ErrTruncated
		}
		return types.FrameMessage{}, err
	}

	bodyLen := int(binary.BigEndian.Uint32(d.header[:]))
	if bodyLen < types.NodeIdentityLen || bodyLen > MaxTCPBody {
		return types.FrameMessage{}, fmt.Errorf("%w: body length %d", ErrMalformedHeader, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return types.FrameMessage{}, ErrTruncated
		}
		return types.FrameMessage{}, err
	}
	return splitBody(body), nil
}

// EncodeUDP returns the header datagram and the payload datagram for msg.
func EncodeUDP(msg types.FrameMessage) (header, payload []byte, err error) {
	if err := msg.Source.Validate(); err != nil {
		return nil, nil, err
	}
	if len(msg.Payload) > MaxUDPPayload {
		return nil, nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(msg.Payload), MaxUDPPayload)
	}

	id := msg.Source.Bytes()
	header = make([]byte, 0, UDPHeaderLen+1)
	header = append(header, id[:]...)
	header = append(header, fmt.Sprintf("%0*d", SizeDigits, len(msg.Payload))...)
	return header, msg.Payload, nil
}

// ParseUDPHeader decodes a header datagram.
func ParseUDPHeader(b []byte) (types.NodeIdentity, int, error) {
	if len(b) < UDPHeaderLen || len(b) > types.NodeIdentityLen+len(strconv.Itoa(MaxUDPPayload)) {
		return "", 0, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(b))
	}
	digits := b[types.NodeIdentityLen:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", 0, fmt.Errorf("%w: non-digit size field", ErrMalformedHeader)
		}
	}
	size, err := strconv.Atoi(string(digits))
	if err != nil || size > MaxUDPPayload {
		return "", 0, fmt.Errorf("%w: size %q", ErrMalformedHeader, digits)
	}
	id := types.IdentityFromBytes(b[:types.NodeIdentityLen])
	if id.Validate() != nil {
		return "", 0, fmt.Errorf("%w: empty identity", ErrMalformedHeader)
	}
	return id, size, nil
}
