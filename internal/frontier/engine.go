// Package frontier implements the bounded-parallel work set that
// discovers the transitive closure of the overlay's reachable address
// set — the core of the crawler.
package frontier

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spectre-project/spectre-crawler/internal/address"
	"github.com/spectre-project/spectre-crawler/internal/geo"
	"github.com/spectre-project/spectre-crawler/internal/metrics"
	"github.com/spectre-project/spectre-crawler/internal/snapshot"
)

// taskTimeout is the soft per-task budget applied to every
// recursively-spawned (i.e. non-seed) task.
const taskTimeout = 120 * time.Second

// cancellationSlack bounds how long the engine waits, once the global
// deadline fires, for in-flight tasks to notice their context was
// canceled and report back.
const cancellationSlack = 30 * time.Second

// UserAgent is the identifier the crawler advertises during the
// handshake.
const UserAgent = "/spectre-crawler:0.1.0/"

// Config parameterizes a single crawl.
type Config struct {
	Network    string
	Geolocator *geo.Geolocator
	// Deadline is T_end, the wall-clock instant the main loop stops
	// accepting new completions and starts tearing down stragglers.
	Deadline time.Time
}

// Engine owns the frontier expansion for exactly one crawl; it is not
// reusable across crawls.
type Engine struct {
	cfg         Config
	parallelism int
	localID     []byte
}

// New builds an Engine. localID is a random 16-byte node id drawn once
// per Engine (that is, once per crawl) and shared by all its sessions.
func New(cfg Config) (*Engine, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("frontier: generating local node id: %w", err)
	}
	return &Engine{
		cfg:         cfg,
		parallelism: Parallelism(),
		localID:     id,
	}, nil
}

type taskReport struct {
	result visitResult
}

// Run expands the frontier starting from seeds and returns the full
// results map (including the ephemeral Neighbors field — stripping and
// threshold-checking is the caller's job via package snapshot). It
// blocks until the work set drains or cfg.Deadline passes, whichever
// comes first, plus bounded cancellation slack.
func (e *Engine) Run(ctx context.Context, seeds []address.Address) map[address.Address]*snapshot.PeerRecord {
	shutdownCtx, cancelShutdown := context.WithCancel(ctx)
	defer cancelShutdown()

	log.WithFields(log.Fields{
		"parallelism": e.parallelism,
		"seeds":       len(seeds),
		"deadline":    e.cfg.Deadline,
	}).Info("starting frontier expansion")

	tokens := make(chan struct{}, e.parallelism)
	for i := 0; i < e.parallelism; i++ {
		tokens <- struct{}{}
	}
	metrics.TokenBucketFree.Set(float64(e.parallelism))

	reportCh := make(chan taskReport, e.parallelism*2)

	seen := make(map[address.Address]bool)
	badHosts := make(map[string]bool)
	results := make(map[address.Address]*snapshot.PeerRecord)

	var queue []queuedTask
	for _, s := range seeds {
		seen[s] = true
		queue = append(queue, queuedTask{addr: s, isSeed: true})
	}
	metrics.AddressesDiscovered.Add(float64(len(seeds)))

	outstanding := 0
	deadlineTimer := time.NewTimer(time.Until(e.cfg.Deadline))
	defer deadlineTimer.Stop()

	deadlineHit := false

runLoop:
	for {
		if len(queue) == 0 && outstanding == 0 {
			break
		}

		select {
		case <-deadlineTimer.C:
			log.Warn("frontier deadline reached, canceling outstanding tasks")
			deadlineHit = true
			cancelShutdown()
			break runLoop

		case tok := <-tokens:
			if len(queue) == 0 {
				tokens <- tok
				continue
			}
			next := queue[0]
			queue = queue[1:]
			outstanding++
			metrics.TokenBucketFree.Set(float64(len(tokens)))
			go e.dispatch(shutdownCtx, next, reportCh, tokens)

		case rep := <-reportCh:
			outstanding--
			e.handleReport(rep.result, seen, badHosts, results, &queue)
			metrics.TokenBucketFree.Set(float64(len(tokens)))
		}
	}

	if deadlineHit {
		e.drainStragglers(reportCh, outstanding, seen, badHosts, results)
	}

	log.WithFields(log.Fields{
		"contacted": len(results),
	}).Info("frontier expansion finished")
	return results
}

type queuedTask struct {
	addr   address.Address
	isSeed bool
}

// dispatch runs one visit and always reports back, returning its token
// to the bucket so the coordinator loop never blocks on it.
func (e *Engine) dispatch(shutdownCtx context.Context, task queuedTask, reportCh chan<- taskReport, tokens chan<- struct{}) {
	taskCtx := shutdownCtx
	var cancel context.CancelFunc
	if !task.isSeed {
		taskCtx, cancel = context.WithTimeout(shutdownCtx, taskTimeout)
		defer cancel()
	}

	result := visit(taskCtx, shutdownCtx, task.addr, e.cfg.Network, e.localID, UserAgent, e.cfg.Geolocator)
	logVisit(task.addr, result)

	reportCh <- taskReport{result: result}
	tokens <- struct{}{}
}

// handleReport installs a PeerRecord for a completed task (unless it
// was canceled) and folds its discovered addresses into
// seen/badHosts/results/queue.
func (e *Engine) handleReport(r visitResult, seen map[address.Address]bool, badHosts map[string]bool, results map[address.Address]*snapshot.PeerRecord, queue *[]queuedTask) {
	if r.canceled {
		return
	}

	rec := &snapshot.PeerRecord{
		Address:   r.addr,
		ID:        r.peerID,
		UserAgent: r.userAgent,
		Error:     r.errTag,
		Loc:       r.loc,
	}
	results[r.addr] = rec

	for _, na := range r.netAddrs {
		hostKey := string(na.IP)
		if badHosts[hostKey] {
			continue
		}
		neighbor, ok, err := address.FromNetAddress(na)
		if err != nil {
			badHosts[hostKey] = true
			log.WithFields(log.Fields{"from": r.addr, "err": err}).Debug("bad ip, dropping host")
			continue
		}
		if !ok {
			// Private or loopback: never worth dialing, so discarded.
			continue
		}

		rec.Neighbors = append(rec.Neighbors, neighbor)

		if !seen[neighbor] {
			seen[neighbor] = true
			metrics.AddressesDiscovered.Inc()
			*queue = append(*queue, queuedTask{addr: neighbor})
		}
	}
}

// drainStragglers waits (bounded by cancellationSlack) for in-flight
// tasks to notice the canceled shutdown context and report back, so the
// engine doesn't return with goroutines still holding sockets open.
// Canceled tasks never install a PeerRecord.
func (e *Engine) drainStragglers(reportCh chan taskReport, outstanding int, seen map[address.Address]bool, badHosts map[string]bool, results map[address.Address]*snapshot.PeerRecord) {
	if outstanding == 0 {
		return
	}
	deadline := time.After(cancellationSlack)
	var queue []queuedTask // discarded: no further dispatch once canceled
	for outstanding > 0 {
		select {
		case rep := <-reportCh:
			outstanding--
			e.handleReport(rep.result, seen, badHosts, results, &queue)
		case <-deadline:
			log.WithField("stragglers", outstanding).Warn("giving up on stragglers after cancellation slack")
			return
		}
	}
}
