// Package protowire mirrors the wire schema consumed by the crawler:
// a bidirectional stream of framed messages, each carrying exactly one
// of a small set of payload variants. The real schema lives in the
// Spectre node's protobuf definitions (protowire.P2P / messages.proto);
// this package is the crawler-side stand-in for the generated client
// code, hand-written because the .proto sources are an external
// contract this repository consumes rather than owns.
package protowire

import "fmt"

// NetAddress is the wire form of a peer address: a timestamp, raw IP
// octets (4 for IPv4, 16 for IPv6) in network order, and a port.
type NetAddress struct {
	Timestamp int64
	IP        []byte
	Port      uint32
}

// VersionMessage is sent by both sides at the start of a session.
type VersionMessage struct {
	ProtocolVersion uint32
	Timestamp       int64
	ID              []byte
	UserAgent       string
	Network         string
}

// VerackMessage acknowledges a VersionMessage.
type VerackMessage struct{}

// ReadyMessage finalizes the handshake for peers at protocol version >= 4.
type ReadyMessage struct{}

// RequestAddressesMessage asks the peer for its known-addresses table.
type RequestAddressesMessage struct{}

// AddressesMessage carries the peer's reply to a RequestAddressesMessage.
type AddressesMessage struct {
	AddressList []NetAddress
}

// PayloadKind identifies which oneof variant a Message carries.
type PayloadKind int

const (
	// PayloadUnset indicates a malformed frame: no variant set.
	PayloadUnset PayloadKind = iota
	PayloadVersion
	PayloadVerack
	PayloadReady
	PayloadRequestAddresses
	PayloadAddresses
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadVersion:
		return "version"
	case PayloadVerack:
		return "verack"
	case PayloadReady:
		return "ready"
	case PayloadRequestAddresses:
		return "requestAddresses"
	case PayloadAddresses:
		return "addresses"
	default:
		return "unset"
	}
}

// Message is the tagged union sent over MessageStream. Exactly one of
// the payload fields is non-nil on any well-formed frame; the codec
// underlying the transport rejects frames that violate that.
type Message struct {
	Version          *VersionMessage
	Verack           *VerackMessage
	Ready            *ReadyMessage
	RequestAddresses *RequestAddressesMessage
	Addresses        *AddressesMessage
}

// Which reports which payload variant is set, or PayloadUnset if none
// (or more than one, which should never happen for frames that made it
// off the wire) is set.
func (m *Message) Which() PayloadKind {
	set := 0
	kind := PayloadUnset
	if m.Version != nil {
		set++
		kind = PayloadVersion
	}
	if m.Verack != nil {
		set++
		kind = PayloadVerack
	}
	if m.Ready != nil {
		set++
		kind = PayloadReady
	}
	if m.RequestAddresses != nil {
		set++
		kind = PayloadRequestAddresses
	}
	if m.Addresses != nil {
		set++
		kind = PayloadAddresses
	}
	if set != 1 {
		return PayloadUnset
	}
	return kind
}

// Validate returns an error if the frame does not carry exactly one
// payload variant.
func (m *Message) Validate() error {
	if m.Which() == PayloadUnset {
		return fmt.Errorf("protowire: frame carries zero or multiple payload variants")
	}
	return nil
}
