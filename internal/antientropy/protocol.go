package antientropy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/store"
)

// DefaultTimeout is the default operation timeout for one anti-entropy cycle
// (spec §4.7 "Default operation timeout 30 s").
const DefaultTimeout = 30 * time.Second

// DefaultRatePerSec is the default token-bucket refill rate (spec §4.7
// "token bucket (default 5 req/s, configurable)").
const DefaultRatePerSec = 5.0

// PeerClient is the narrow RPC surface Coordinator needs to talk to a peer.
// Kept as an interface so this package has no dependency on the concrete
// MQTT request/response mechanism (internal/router); the production
// implementation round-trips these messages over a dedicated
// request/response topic pair the same way the Command Processor
// round-trips cmd/res frames.
type PeerClient interface {
	Sync(ctx context.Context, peerID string, req SyncRequest) (SyncResponse, error)
	SyncKeys(ctx context.Context, peerID string, req SyncKeysRequest) (SyncKeysResponse, error)
}

// Coordinator drives the initiator side of the protocol: SYNC, then
// SYNC_KEYS per divergent bucket, applying winning entries back into the
// store via PutWithReconciliation so the Publisher never re-emits them (spec
// §4.7 "Loop prevention").
type Coordinator struct {
	st      *store.Store
	peer    PeerClient
	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

func NewCoordinator(st *store.Store, peer PeerClient, ratePerSec float64, timeout time.Duration, log zerolog.Logger) *Coordinator {
	if ratePerSec <= 0 {
		ratePerSec = DefaultRatePerSec
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		st:      st,
		peer:    peer,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		timeout: timeout,
		log:     log.With().Str("component", "antientropy.coordinator").Logger(),
	}
}

// CycleStats summarizes one completed RunCycle for telemetry.
type CycleStats struct {
	DivergentBuckets int
	KeysReconciled   int
	RoundsUsed       int
}

// RunCycle executes one full SYNC -> SYNC_KEYS round-trip against peerID.
// The rate limiter gates only the initiating SYNC request (spec invariant
// 10 bounds "SYNC requests initiated"); a denied cycle returns RateLimited
// without any network call.
func (c *Coordinator) RunCycle(ctx context.Context, peerID string) (CycleStats, error) {
	if !c.limiter.Allow() {
		return CycleStats{}, errs.RateLimited("anti-entropy SYNC rate limit exceeded")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	local := Build(c.st.Entries())
	resp, err := c.peer.Sync(ctx, peerID, SyncRequest{RootHash: local.RootHash()})
	if err != nil {
		return CycleStats{}, err
	}
	if resp.RootHash == local.RootHash() {
		return CycleStats{}, nil // identical roots, done.
	}

	divergent := local.DivergentBuckets(resp.BucketHashes)
	stats := CycleStats{DivergentBuckets: len(divergent)}

	for _, bucket := range divergent {
		n, rounds, err := c.reconcileBucket(ctx, peerID, bucket)
		if err != nil {
			return stats, err
		}
		stats.KeysReconciled += n
		if rounds > stats.RoundsUsed {
			stats.RoundsUsed = rounds
		}
	}
	return stats, nil
}

// reconcileBucket runs the SYNC_KEYS exchange for one bucket, splitting
// across rounds (as signaled by the responder via SyncKeysResponse.Final)
// until convergence or MaxRounds (spec §4.7 payload rule).
func (c *Coordinator) reconcileBucket(ctx context.Context, peerID string, bucket int) (int, int, error) {
	local := Build(c.st.Entries())
	entries := toWireKeyFingerprints(local.Bucket(bucket))

	applied := 0
	offset := 0
	for round := 0; round < MaxRounds; round++ {
		req := SyncKeysRequest{Bucket: bucket, Round: round, Offset: offset, Entries: entries}
		resp, err := c.peer.SyncKeys(ctx, peerID, req)
		if err != nil {
			return applied, round + 1, err
		}
		for _, we := range resp.Entries {
			if _, err := c.st.PutWithReconciliation(we.toEntry()); err != nil {
				c.log.Warn().Err(err).Str("key", we.Key).Msg("failed to apply reconciled entry")
				continue
			}
			applied++
		}
		offset += resp.Consumed
		if resp.Final {
			return applied, round + 1, nil
		}
	}
	return applied, MaxRounds, fmt.Errorf("anti-entropy bucket %d did not converge within %d rounds", bucket, MaxRounds)
}

func toWireKeyFingerprints(kfs []KeyFingerprint) []wireKeyFingerprint {
	out := make([]wireKeyFingerprint, len(kfs))
	for i, kf := range kfs {
		out[i] = wireKeyFingerprint{Key: kf.Key, Fingerprint: kf.Fingerprint}
	}
	return out
}

// Responder handles inbound SYNC/SYNC_KEYS requests from a peer that
// initiated a cycle against this node.
type Responder struct {
	st *store.Store
}

func NewResponder(st *store.Store) *Responder {
	return &Responder{st: st}
}

func (r *Responder) HandleSync(req SyncRequest) SyncResponse {
	t := Build(r.st.Entries())
	return SyncResponse{RootHash: t.RootHash(), BucketHashes: t.BucketHashes()}
}

// HandleSyncKeys compares the peer's bucket entries against this node's own
// and returns, packed within MaxMessageBytes and split across rounds if
// needed, the full Entry for every key of this side's bucket whose
// fingerprint differs from the peer's or that the peer lacks. No LWW
// comparison is made here: the initiator applies each entry through
// PutWithReconciliation, which keeps whichever version wins. Keys that only
// the initiator holds are not sent back to this side by this exchange.
func (r *Responder) HandleSyncKeys(req SyncKeysRequest) SyncKeysResponse {
	t := Build(r.st.Entries())
	mine := t.Bucket(req.Bucket)

	peerByKey := make(map[string][32]byte, len(req.Entries))
	for _, kf := range req.Entries {
		peerByKey[kf.Key] = kf.Fingerprint
	}

	var candidates []string
	for _, kf := range mine {
		if pf, ok := peerByKey[kf.Key]; !ok || pf != kf.Fingerprint {
			candidates = append(candidates, kf.Key)
		}
	}

	// candidates is re-derived deterministically (sorted bucket order) on
	// every call; req.Offset tells us how many the caller has already
	// consumed across prior rounds for this bucket, so the responder stays
	// stateless between rounds.
	start := req.Offset
	if start > len(candidates) {
		start = len(candidates)
	}

	var entries []wireEntry
	consumed := 0
	size := 2 // cbor map overhead, rough
	for i := start; i < len(candidates); i++ {
		key := candidates[i]
		e, ok := r.st.GetRaw(key)
		if !ok {
			consumed++
			continue
		}
		we := toWireEntry(e)
		candidateSize := len(we.Key) + len(we.Value) + 64
		if size+candidateSize > MaxMessageBytes && len(entries) > 0 {
			break
		}
		entries = append(entries, we)
		size += candidateSize
		consumed++
	}

	final := start+consumed >= len(candidates)
	return SyncKeysResponse{Round: req.Round, Final: final, Consumed: consumed, Entries: entries}
}
