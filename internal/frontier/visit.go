package frontier

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/spectre-project/spectre-crawler/internal/address"
	"github.com/spectre-project/spectre-crawler/internal/geo"
	"github.com/spectre-project/spectre-crawler/internal/metrics"
	"github.com/spectre-project/spectre-crawler/internal/peersession"
	"github.com/spectre-project/spectre-crawler/internal/protowire"
)

// patience is the number of consecutive non-growing address-exchange
// rounds tolerated before a peer is released.
const patience = 10

// visitResult is what a single peer-visit task hands back to the
// frontier's coordinator loop.
type visitResult struct {
	addr      address.Address
	peerID    string
	userAgent string
	netAddrs  []protowire.NetAddress
	errTag    string
	loc       string
	canceled  bool
}

// netAddrKey makes a (timestamp, ip, port) triple comparable so the
// saturation policy's running union can be a plain map.
type netAddrKey struct {
	timestamp int64
	ip        string
	port      uint32
}

// visit opens a session against addr, runs the handshake, and then
// repeats request-addresses rounds until the discovered-address union
// stops growing for `patience` consecutive rounds (the saturation
// policy that decides when a peer has told us everything it's going
// to).
//
// taskCtx governs this call and carries the per-task 120s soft timeout;
// shutdownCtx is the frontier-wide context that is only ever canceled
// when the engine itself is tearing down. The two are distinguished
// because a natural 120s elapse must still install a PeerRecord with
// error="timeout", while an engine-level cancellation must not install
// one at all — the task never got to finish, so there's nothing
// trustworthy to record.
func visit(taskCtx, shutdownCtx context.Context, addr address.Address, network string, localID []byte, userAgent string, geolocator *geo.Geolocator) visitResult {
	metrics.TasksSpawned.Inc()

	session, err := peersession.Open(taskCtx, string(addr), network, localID, userAgent)
	if err != nil {
		if shutdownCtx.Err() != nil {
			return visitResult{addr: addr, canceled: true}
		}
		if taskCtx.Err() != nil {
			metrics.HandshakeOutcomes.WithLabelValues("timeout").Inc()
			return visitResult{addr: addr, errTag: "timeout"}
		}
		metrics.HandshakeOutcomes.WithLabelValues(outcomeTag(err)).Inc()
		return visitResult{addr: addr, errTag: err.Error()}
	}
	defer func() { session.Close(shutdownCtx.Err() != nil) }()

	union := make(map[netAddrKey]protowire.NetAddress)
	misses := 0
	for misses < patience {
		if shutdownCtx.Err() != nil {
			return visitResult{addr: addr, canceled: true}
		}

		before := len(union)
		reply, err := session.RequestAddresses(taskCtx)
		if err != nil {
			if shutdownCtx.Err() != nil {
				return visitResult{addr: addr, canceled: true}
			}
			metrics.HandshakeOutcomes.WithLabelValues("timeout").Inc()
			return visitResult{
				addr:      addr,
				peerID:    hexID(session.PeerID()),
				userAgent: session.UserAgent(),
				netAddrs:  flatten(union),
				errTag:    "timeout",
			}
		}
		for _, na := range reply {
			union[netAddrKey{na.Timestamp, string(na.IP), na.Port}] = na
		}
		if len(union) > before {
			misses = 0
		} else {
			misses++
		}
	}

	loc := ""
	if geolocator != nil {
		loc = geolocator.Lookup(taskCtx, address.Host(addr))
	}

	// The error field is empty only when at least one non-empty address
	// list was received.
	errTag := ""
	if len(union) == 0 {
		errTag = "no addresses"
	}

	metrics.HandshakeOutcomes.WithLabelValues("success").Inc()
	return visitResult{
		addr:      addr,
		peerID:    hexID(session.PeerID()),
		userAgent: session.UserAgent(),
		netAddrs:  flatten(union),
		errTag:    errTag,
		loc:       loc,
	}
}

func flatten(union map[netAddrKey]protowire.NetAddress) []protowire.NetAddress {
	out := make([]protowire.NetAddress, 0, len(union))
	for _, na := range union {
		out = append(out, na)
	}
	return out
}

func hexID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", id)
}

func outcomeTag(err error) string {
	switch {
	case errors.Is(err, peersession.ErrConnect):
		return "connect_error"
	case errors.Is(err, peersession.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, peersession.ErrProtocol):
		return "protocol_error"
	default:
		return "other_error"
	}
}

func logVisit(addr address.Address, r visitResult) {
	log.WithFields(log.Fields{
		"address":   addr,
		"neighbors": len(r.netAddrs),
		"error":     r.errTag,
	}).Debug("visit complete")
}
