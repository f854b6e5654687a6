package replication

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/store"
)

// Applier is the Replication Applier (C7, spec §4.6): decodes inbound
// events, dedups by (node_id, seq) watermark, and applies them to the store
// via PutWithReconciliation so the Publisher never re-emits them (loop
// prevention, spec §4.7).
type Applier struct {
	st  *store.Store
	log zerolog.Logger

	mu         sync.Mutex
	watermarks map[string]uint64 // node_id -> highest seq applied (including suppressed dup checks)

	applied   uint64
	suppressed uint64
	malformed uint64
}

func NewApplier(st *store.Store, log zerolog.Logger) *Applier {
	a := &Applier{
		st:         st,
		log:        log.With().Str("component", "replication.applier").Logger(),
		watermarks: make(map[string]uint64),
	}
	for _, e := range st.Entries() {
		if e.Seq > a.watermarks[e.NodeID] {
			a.watermarks[e.NodeID] = e.Seq
		}
	}
	return a
}

// ApplyWire decodes and applies one inbound CBOR event payload. Malformed
// payloads are counted and dropped rather than treated as fatal (spec §4.6:
// "a malformed event must not crash the applier or the node").
func (a *Applier) ApplyWire(payload []byte) error {
	ev, err := Decode(payload)
	if err != nil {
		a.mu.Lock()
		a.malformed++
		a.mu.Unlock()
		a.log.Warn().Err(err).Msg("dropping malformed replication event")
		return nil
	}
	return a.Apply(ev.ToEntry())
}

// Apply applies a decoded Entry, honoring the at-least-once / exactly-once
// dedup contract: a (node_id, seq) at or below this origin's watermark is a
// known duplicate and is suppressed without touching the store (spec §4.6,
// invariant 3 "idempotent apply").
func (a *Applier) Apply(e store.Entry) error {
	a.mu.Lock()
	if e.Seq != 0 && e.Seq <= a.watermarks[e.NodeID] {
		a.suppressed++
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	outcome, err := a.st.PutWithReconciliation(e)
	if err != nil {
		if ee, ok := err.(*errs.Error); ok && (ee.Kind == errs.KindValidation || ee.Kind == errs.KindSizeLimit) {
			a.mu.Lock()
			a.malformed++
			a.mu.Unlock()
			a.log.Warn().Err(err).Str("key", e.Key).Msg("rejecting out-of-bounds replication entry")
			return nil
		}
		return err
	}

	a.mu.Lock()
	if e.Seq > a.watermarks[e.NodeID] {
		a.watermarks[e.NodeID] = e.Seq
	}
	if outcome == store.Applied {
		a.applied++
	} else {
		a.suppressed++
	}
	a.mu.Unlock()
	return nil
}

func (a *Applier) Stats() (applied, suppressed, malformed uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied, a.suppressed, a.malformed
}
