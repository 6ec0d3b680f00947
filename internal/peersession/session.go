// Package peersession owns one outbound bidirectional stream against a
// single Spectre node: it drives the version handshake and, on demand,
// one request-addresses round trip. The handshake is implemented as an
// explicit finite state machine fed by an inbound frame reader and
// writing to an outbound frame sink, rather than as interleaved async
// calls, so its transitions can be exercised directly in tests.
package peersession

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spectre-project/spectre-crawler/internal/metrics"
	"github.com/spectre-project/spectre-crawler/internal/protowire"
)

// channelReadyTimeout is the hard budget allowed to establish the
// transport before giving up.
const channelReadyTimeout = 5 * time.Second

// readyVersionThreshold is the protocol version at which peers gained a
// distinct "ready" phase.
const readyVersionThreshold = 4

type handshakeState int

const (
	stateInit handshakeState = iota
	stateAwaitAck
	stateAwaitReady
	stateReadyDone
)

// Session owns one outbound stream. Not safe for concurrent use by
// multiple goroutines beyond the internal sender goroutine it manages.
type Session struct {
	address string
	conn    *grpc.ClientConn
	stream  protowire.MessageStreamClient
	sendCh  chan *protowire.Message

	localID        []byte
	localUserAgent string
	network        string

	peerID        []byte
	peerVersion   uint32
	peerUserAgent string

	sendDone chan struct{}
	closed   bool
}

// Open dials address, waits for channel readiness (5s budget), and runs
// the handshake state machine to completion. If dialing or opening the
// stream fails it returns a nil Session. If the handshake fails it
// returns the already-closed Session, holding the partial peer
// identity/user-agent observed so far (which may be empty), alongside
// the error.
func Open(ctx context.Context, address, network string, localID []byte, localUserAgent string) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, channelReadyTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, address, err)
	}

	client := protowire.NewClient(conn)
	stream, err := client.MessageStream(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, address, err)
	}

	s := newSession(address, network, localID, localUserAgent, stream)
	s.conn = conn
	go s.sendLoop()

	metrics.SessionsInFlight.Inc()
	if err := s.handshake(ctx); err != nil {
		s.Close(true)
		return s, err
	}
	return s, nil
}

// newSession wires a Session around an already-established stream,
// independent of how that stream was dialed. Exported Open is the only
// production caller; tests construct a Session directly against a fake
// MessageStreamClient to exercise the handshake FSM without a network.
func newSession(address, network string, localID []byte, localUserAgent string, stream protowire.MessageStreamClient) *Session {
	return &Session{
		address:        address,
		stream:         stream,
		sendCh:         make(chan *protowire.Message, 4),
		localID:        localID,
		localUserAgent: localUserAgent,
		network:        network,
		sendDone:       make(chan struct{}),
	}
}

func (s *Session) sendLoop() {
	defer close(s.sendDone)
	for msg := range s.sendCh {
		if err := s.stream.Send(msg); err != nil {
			log.WithFields(log.Fields{
				"address": s.address,
				"err":     err,
			}).Debug("send failed")
			return
		}
	}
	s.stream.CloseSend()
}

// PeerID returns the peer's self-reported identity, empty if the
// handshake never got far enough to learn it.
func (s *Session) PeerID() []byte { return s.peerID }

// UserAgent returns the peer's self-reported software version string.
func (s *Session) UserAgent() string { return s.peerUserAgent }

// handshake drives INIT -> ... -> READY_DONE.
func (s *Session) handshake(ctx context.Context) error {
	state := stateInit
	log.WithField("address", s.address).Debug("starting handshake")

	for state != stateReadyDone {
		msg, err := s.stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrHandshakeTimeout, s.address)
			}
			return fmt.Errorf("%w: %s: stream ended before READY_DONE: %v", ErrProtocol, s.address, err)
		}

		kind := msg.Which()
		log.WithFields(log.Fields{"address": s.address, "payload": kind}).Debug("handshake frame")

		switch kind {
		case protowire.PayloadVersion:
			s.peerID = msg.Version.ID
			s.peerVersion = msg.Version.ProtocolVersion
			s.peerUserAgent = msg.Version.UserAgent
			s.send(&protowire.Message{Version: &protowire.VersionMessage{
				ProtocolVersion: s.peerVersion,
				Timestamp:       time.Now().Unix(),
				ID:              s.localID,
				UserAgent:       s.localUserAgent,
				Network:         s.network,
			}})
			if state == stateInit {
				state = stateAwaitAck
			}
		case protowire.PayloadVerack:
			switch state {
			case stateInit, stateAwaitAck:
				s.send(&protowire.Message{Verack: &protowire.VerackMessage{}})
				if s.peerVersion < readyVersionThreshold {
					state = stateReadyDone
				} else {
					state = stateAwaitReady
				}
			default:
				// AWAIT_READY and beyond: ignore per the table.
			}
		case protowire.PayloadReady:
			if state == stateAwaitAck || state == stateAwaitReady {
				s.send(&protowire.Message{Ready: &protowire.ReadyMessage{}})
				state = stateReadyDone
			}
		default:
			log.WithFields(log.Fields{"address": s.address, "payload": kind}).Debug("ignoring unexpected frame during handshake")
		}
	}

	log.WithField("address", s.address).Debug("handshake done")
	return nil
}

func (s *Session) send(msg *protowire.Message) {
	select {
	case s.sendCh <- msg:
	default:
		log.WithField("address", s.address).Warn("send queue full, dropping frame")
	}
}

// RequestAddresses performs one request-addresses round trip: send
// requestAddresses, then read frames until an addresses reply arrives,
// replying courteously to any requestAddresses the peer sends us in the
// meantime.
func (s *Session) RequestAddresses(ctx context.Context) ([]protowire.NetAddress, error) {
	s.send(&protowire.Message{RequestAddresses: &protowire.RequestAddressesMessage{}})

	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrHandshakeTimeout, s.address)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrStreamClosed, s.address, err)
		}
		switch msg.Which() {
		case protowire.PayloadAddresses:
			return msg.Addresses.AddressList, nil
		case protowire.PayloadRequestAddresses:
			s.send(&protowire.Message{Addresses: &protowire.AddressesMessage{}})
		default:
			// Anything else is ignored.
		}
	}
}

// Close is idempotent. aborted, when true, skips draining the outbound
// queue and tears the stream down immediately (used on cancellation);
// otherwise it closes the send queue and waits for pending frames to
// flush before tearing the transport down.
func (s *Session) Close(aborted bool) {
	if s.closed {
		return
	}
	s.closed = true
	metrics.SessionsInFlight.Dec()

	close(s.sendCh)
	if !aborted {
		select {
		case <-s.sendDone:
		case <-time.After(time.Second):
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
