package protowire

import (
	"reflect"
	"testing"
)

func TestWireCodecRoundTrip(t *testing.T) {
	codec := wireCodec{}

	cases := []*Message{
		{Version: &VersionMessage{
			ProtocolVersion: 5,
			Timestamp:       1700000000,
			ID:              []byte{0xde, 0xad, 0xbe, 0xef},
			UserAgent:       "/crawler:0.0.1/",
			Network:         "spectre-mainnet",
		}},
		{Verack: &VerackMessage{}},
		{Ready: &ReadyMessage{}},
		{RequestAddresses: &RequestAddressesMessage{}},
		{Addresses: &AddressesMessage{AddressList: []NetAddress{
			{Timestamp: 1, IP: []byte{203, 0, 113, 5}, Port: 18111},
			{Timestamp: 2, IP: make([]byte, 16), Port: 18111},
		}}},
	}

	for _, want := range cases {
		raw, err := codec.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %v: %v", want.Which(), err)
		}
		got := new(Message)
		if err := codec.Unmarshal(raw, got); err != nil {
			t.Fatalf("unmarshal %v: %v", want.Which(), err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestWireCodecRejectsMalformedUnion(t *testing.T) {
	codec := wireCodec{}
	_, err := codec.Marshal(&Message{})
	if err == nil {
		t.Fatal("expected an error marshaling a frame with zero payload variants set")
	}

	_, err = codec.Marshal(&Message{Verack: &VerackMessage{}, Ready: &ReadyMessage{}})
	if err == nil {
		t.Fatal("expected an error marshaling a frame with two payload variants set")
	}
}

func TestMessageWhich(t *testing.T) {
	m := &Message{Addresses: &AddressesMessage{}}
	if m.Which() != PayloadAddresses {
		t.Fatalf("got %v", m.Which())
	}
}
