package protowire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype so MessageStream can
// carry frames without depending on a protoc-compiled descriptor set.
const codecName = "spectrewire"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec implements google.golang.org/grpc/encoding.Codec for
// *Message. It is intentionally small: length-prefixed fields in a
// fixed order, tagged by which payload variant is present. Production
// Spectre nodes speak real protobuf; this is the crawler-side
// substitute for the generated marshaler, good enough to exercise the
// bidirectional-stream contract the handshake and address exchange
// depend on.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("spectrewire: cannot marshal %T", v)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(m.Which()))

	switch m.Which() {
	case PayloadVersion:
		writeUint32(&buf, m.Version.ProtocolVersion)
		writeInt64(&buf, m.Version.Timestamp)
		writeBytes(&buf, m.Version.ID)
		writeString(&buf, m.Version.UserAgent)
		writeString(&buf, m.Version.Network)
	case PayloadVerack, PayloadReady, PayloadRequestAddresses:
		// no fields
	case PayloadAddresses:
		writeUint32(&buf, uint32(len(m.Addresses.AddressList)))
		for _, a := range m.Addresses.AddressList {
			writeInt64(&buf, a.Timestamp)
			writeBytes(&buf, a.IP)
			writeUint32(&buf, a.Port)
		}
	}
	return buf.Bytes(), nil
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("spectrewire: cannot unmarshal into %T", v)
	}
	if len(data) == 0 {
		return fmt.Errorf("spectrewire: empty frame")
	}
	buf := bytes.NewReader(data)
	kindByte, _ := buf.ReadByte()
	kind := PayloadKind(kindByte)

	switch kind {
	case PayloadVersion:
		ver := &VersionMessage{}
		ver.ProtocolVersion = readUint32(buf)
		ver.Timestamp = readInt64(buf)
		ver.ID = readBytes(buf)
		ver.UserAgent = readString(buf)
		ver.Network = readString(buf)
		m.Version = ver
	case PayloadVerack:
		m.Verack = &VerackMessage{}
	case PayloadReady:
		m.Ready = &ReadyMessage{}
	case PayloadRequestAddresses:
		m.RequestAddresses = &RequestAddressesMessage{}
	case PayloadAddresses:
		count := readUint32(buf)
		list := make([]NetAddress, 0, count)
		for i := uint32(0); i < count; i++ {
			var a NetAddress
			a.Timestamp = readInt64(buf)
			a.IP = readBytes(buf)
			a.Port = readUint32(buf)
			list = append(list, a)
		}
		m.Addresses = &AddressesMessage{AddressList: list}
	default:
		return fmt.Errorf("spectrewire: unknown payload tag %d", kindByte)
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readUint32(r *bytes.Reader) uint32 {
	var tmp [4]byte
	r.Read(tmp[:])
	return binary.BigEndian.Uint32(tmp[:])
}

func readInt64(r *bytes.Reader) int64 {
	var tmp [8]byte
	r.Read(tmp[:])
	return int64(binary.BigEndian.Uint64(tmp[:]))
}

func readBytes(r *bytes.Reader) []byte {
	n := readUint32(r)
	b := make([]byte, n)
	r.Read(b)
	return b
}

func readString(r *bytes.Reader) string {
	return string(readBytes(r))
}
