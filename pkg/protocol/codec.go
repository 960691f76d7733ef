package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Format identifies how an envelope body is encoded.
type Format uint8

const (
	FormatMsgpack Format = 1
	FormatCBOR    Format = 2
)

// Format names for configuration.
const (
	FormatNameMsgpack = "msgpack"
	FormatNameCBOR    = "cbor"
)

func (f Format) String() string {
	switch f {
	case FormatMsgpack:
		return FormatNameMsgpack
	case FormatCBOR:
		return FormatNameCBOR
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// ParseFormat returns the format for a configuration name. Empty selects msgpack.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FormatNameMsgpack, "":
		return FormatMsgpack, nil
	case FormatNameCBOR:
		return FormatCBOR, nil
	default:
		return 0, fmt.Errorf("unknown body format %q", name)
	}
}

// bodyCodec serializes message bodies deterministically.
type bodyCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// msgpackCodec sorts map keys and reads struct tags from `json`, so both
// body formats share one set of field names.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (cborCodec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return cborCodec{}, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return cborCodec{}, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var bodyCodecs = func() map[Format]bodyCodec {
	cb, err := newCBORCodec()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor options: %v", err))
	}
	return map[Format]bodyCodec{
		FormatMsgpack: msgpackCodec{},
		FormatCBOR:    cb,
	}
}()

const (
	headerSize     = 6 // version, type, format, flags, corrLen
	bodyLenSize    = 4
	maxCorrelation = math.MaxUint16
)

// Codec turns bodies into wire bytes and back. The configured format only
// affects encoding; decoding accepts every known format.
type Codec struct {
	format Format
}

// NewCodec returns a codec that encodes bodies in format.
func NewCodec(format Format) (*Codec, error) {
	if _, ok := bodyCodecs[format]; !ok {
		return nil, fmt.Errorf("unknown body format %d", uint8(format))
	}
	return &Codec{format: format}, nil
}

// DefaultCodec encodes bodies as MessagePack.
func DefaultCodec() *Codec {
	return &Codec{format: FormatMsgpack}
}

// Format returns the encoding format.
func (c *Codec) Format() Format {
	return c.format
}

// Encode serializes body into a version 1 envelope.
func (c *Codec) Encode(body Body) ([]byte, error) {
	if body == nil {
		return nil, fmt.Errorf("protocol: encode nil body")
	}
	payload, err := bodyCodecs[c.format].Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", body.MessageType(), err)
	}
	return EncodeMessage(&Message{
		SchemaVersion: CurrentSchemaVersion,
		Type:          body.MessageType(),
		Format:        c.format,
		CorrelationID: body.Correlation(),
		Payload:       payload,
	})
}

// EncodeMessage writes an envelope as is.
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.CorrelationID) > maxCorrelation {
		return nil, fmt.Errorf("protocol: correlation id exceeds %d bytes", maxCorrelation)
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("protocol: body exceeds %d bytes", uint32(math.MaxUint32))
	}
	out := make([]byte, 0, headerSize+len(m.CorrelationID)+bodyLenSize+len(m.Payload))
	out = append(out, m.SchemaVersion, uint8(m.Type), uint8(m.Format), 0)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.CorrelationID)))
	out = append(out, m.CorrelationID...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Payload)))
	out = append(out, m.Payload...)
	return out, nil
}

// Decode parses an envelope. An envelope with an unknown message type is
// returned together with an *UnknownMessageTypeError.
func (c *Codec) Decode(data []byte) (*Message, error) {
	return Decode(data)
}

// Decode parses an envelope without a configured codec.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, malformed("empty input")
	}
	version := data[0]
	if version == 0 {
		return nil, malformed("schema version 0")
	}
	if version > CurrentSchemaVersion {
		return nil, &DecodeError{
			Kind:   ErrUnsupportedVersion,
			Detail: fmt.Sprintf("version %d, supported up to %d", version, CurrentSchemaVersion),
		}
	}
	if len(data) < headerSize {
		return nil, malformed("truncated header: %d bytes", len(data))
	}
	m := &Message{
		SchemaVersion: version,
		Type:          MessageType(data[1]),
		Format:        Format(data[2]),
	}
	// data[3] holds flags; none are defined yet.
	corrLen := int(binary.BigEndian.Uint16(data[4:6]))
	rest := data[headerSize:]
	if len(rest) < corrLen+bodyLenSize {
		return nil, malformed("truncated correlation id")
	}
	m.CorrelationID = string(rest[:corrLen])
	rest = rest[corrLen:]
	bodyLen := binary.BigEndian.Uint32(rest[:bodyLenSize])
	rest = rest[bodyLenSize:]
	if uint64(len(rest)) != uint64(bodyLen) {
		return nil, malformed("body length %d, have %d bytes", bodyLen, len(rest))
	}
	if _, ok := bodyCodecs[m.Format]; !ok {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Detail: fmt.Sprintf("format %d", uint8(m.Format))}
	}
	m.Payload = bytes.Clone(rest)
	if !m.Type.Known() {
		return m, &UnknownMessageTypeError{Type: m.Type, CorrelationID: m.CorrelationID}
	}
	return m, nil
}

// DecodeBody decodes the typed body of m. Unknown body fields are ignored and
// absent fields keep their zero value.
func (m *Message) DecodeBody() (Body, error) {
	body := newBody(m.Type)
	if body == nil {
		return nil, &UnknownMessageTypeError{Type: m.Type, CorrelationID: m.CorrelationID}
	}
	bc, ok := bodyCodecs[m.Format]
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Detail: fmt.Sprintf("format %d", uint8(m.Format))}
	}
	if err := bc.Unmarshal(m.Payload, body); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Detail: m.Type.String() + " body", Cause: err}
	}
	return body, nil
}

// DecodeAll decodes the envelope and its body in one step.
func DecodeAll(data []byte) (*Message, Body, error) {
	m, err := Decode(data)
	if err != nil {
		return m, nil, err
	}
	body, err := m.DecodeBody()
	if err != nil {
		return m, nil, err
	}
	return m, body, nil
}
