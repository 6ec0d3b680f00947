package protowire

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName and streamName mirror the Spectre node's service path,
// protowire.P2P/MessageStream.
const (
	serviceName = "protowire.P2P"
	streamName  = "MessageStream"
)

// MessageStreamClient is the bidirectional full-duplex stream a Session
// drives: frames can be sent and received in any order relative to each
// other, but are strictly ordered within each direction.
type MessageStreamClient interface {
	Send(*Message) error
	Recv() (*Message, error)
	CloseSend() error
}

// Client is the crawler-side stand-in for the generated P2PClient.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// MessageStream opens the bidirectional stream used for the handshake
// and address exchange.
func (c *Client) MessageStream(ctx context.Context, opts ...grpc.CallOption) (MessageStreamClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	desc := &grpc.StreamDesc{
		StreamName:    streamName,
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/"+streamName, opts...)
	if err != nil {
		return nil, err
	}
	return &clientStream{ClientStream: stream}, nil
}

type clientStream struct {
	grpc.ClientStream
}

func (s *clientStream) Send(m *Message) error {
	return s.ClientStream.SendMsg(m)
}

func (s *clientStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *clientStream) CloseSend() error {
	return s.ClientStream.CloseSend()
}
