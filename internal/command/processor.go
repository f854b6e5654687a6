package command

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	validatorpkg "github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/replication"
	"github.com/merklekv/merklekv/internal/store"
)

// validate enforces Request's struct-tag bounds (§4.2 "Validation: JSON
// schema, size limits ... bulk cardinality"). A single package-level
// instance: validator.New() builds and caches struct reflection metadata, so
// it is meant to be reused rather than constructed per call.
var validate = validatorpkg.New()

const (
	maxKeysPerMGet  = 256
	maxPairsPerMSet = 100
	maxBulkPayload  = 512 * 1024

	// IdempotencyTTL matches spec §3 "TTL 10 minutes".
	IdempotencyTTL = 10 * time.Minute
	// DefaultCacheSize bounds the idempotency LRU (spec §3 "bounded LRU").
	DefaultCacheSize = 10_000
)

// Processor is the Command Processor (C5): it owns the idempotency cache and
// translates opcodes into Storage Engine calls, emitting exactly one
// replication event per underlying mutation via the Publisher (spec §4.2).
type Processor struct {
	st    *store.Store
	pub   *replication.Publisher
	cache *lru.LRU[string, Response]
	log   zerolog.Logger

	processed atomic.Uint64
	cacheHits atomic.Uint64
}

func NewProcessor(st *store.Store, pub *replication.Publisher, cacheSize int, log zerolog.Logger) *Processor {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Processor{
		st:    st,
		pub:   pub,
		cache: lru.NewLRU[string, Response](cacheSize, nil, IdempotencyTTL),
		log:   log.With().Str("component", "command.processor").Logger(),
	}
}

// Handle dispatches one command frame, honoring the idempotency cache (spec
// §4.2, invariant 4 "dedup invariance"). The returned Response is always
// non-nil; errors are carried inline via Status=error.
func (p *Processor) Handle(ctx context.Context, req Request) Response {
	p.processed.Add(1)
	if req.ID != "" {
		if cached, ok := p.cache.Get(req.ID); ok {
			p.cacheHits.Add(1)
			return cached
		}
	}

	if err := validate.Struct(req); err != nil {
		resp := errResp(req.ID, errs.Validation(err.Error()))
		if req.ID != "" {
			p.cache.Add(req.ID, resp)
		}
		return resp
	}

	resp := p.dispatch(ctx, req)

	if req.ID != "" {
		p.cache.Add(req.ID, resp)
	}
	return resp
}

// CommandsProcessed reports the total number of Handle calls, for
// telemetry (NodeStats.commandsProcessed).
func (p *Processor) CommandsProcessed() uint64 {
	return p.processed.Load()
}

// CacheHits reports the total number of Handle calls served from the
// idempotency cache instead of re-dispatched, for telemetry
// (merklekv_command_idempotency_cache_hits_total).
func (p *Processor) CacheHits() uint64 {
	return p.cacheHits.Load()
}

func errResp(id string, err error) Response {
	if ee, ok := err.(*errs.Error); ok {
		return Response{ID: id, Status: StatusError, Error: ee.Message, ErrorCode: ee.Code}
	}
	return Response{ID: id, Status: StatusError, Error: err.Error(), ErrorCode: errs.CodeInternal}
}

func (p *Processor) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpGet:
		return p.handleGet(req)
	case OpSet:
		return p.handleSet(req)
	case OpDel:
		return p.handleDel(req)
	case OpIncr:
		return p.handleIncrDecr(req, 1)
	case OpDecr:
		return p.handleIncrDecr(req, -1)
	case OpAppend:
		return p.handleAppendPrepend(req, true)
	case OpPrepend:
		return p.handleAppendPrepend(req, false)
	case OpMGet:
		return p.handleMGet(req)
	case OpMSet:
		return p.handleMSet(req)
	default:
		return errResp(req.ID, errs.Validation(fmt.Sprintf("unknown op %q", req.Op)))
	}
}

func validateKeyField(key string) error {
	if key == "" || len(key) > store.MaxKeyBytes {
		return errs.SizeLimit(fmt.Sprintf("key length %d outside 1-%d bytes", len(key), store.MaxKeyBytes))
	}
	if !utf8.ValidString(key) {
		return errs.Validation("key is not valid UTF-8")
	}
	return nil
}

func (p *Processor) handleGet(req Request) Response {
	if err := validateKeyField(req.Key); err != nil {
		return errResp(req.ID, err)
	}
	v, err := p.st.Get(req.Key)
	if err != nil {
		return errResp(req.ID, err)
	}
	return ok(req.ID, string(v))
}

// emit applies a local mutation's Publisher bookkeeping: every accepted
// non-read op generates exactly one replication event (spec §4.2).
func (p *Processor) emit(e store.Entry) {
	if err := p.pub.Emit(e); err != nil {
		p.log.Warn().Err(err).Str("key", e.Key).Msg("failed to enqueue replication event")
	}
}

func (p *Processor) handleSet(req Request) Response {
	if err := validateKeyField(req.Key); err != nil {
		return errResp(req.ID, err)
	}
	if !utf8.ValidString(req.Value) {
		return errResp(req.ID, errs.Validation("value is not valid UTF-8"))
	}
	seq := p.pub.NextSeq()
	e, _, err := p.st.Put(req.Key, []byte(req.Value), uint64(time.Now().UnixMilli()), seq)
	if err != nil {
		return errResp(req.ID, err)
	}
	p.emit(e)
	return ok(req.ID, nil)
}

func (p *Processor) handleDel(req Request) Response {
	if err := validateKeyField(req.Key); err != nil {
		return errResp(req.ID, err)
	}
	seq := p.pub.NextSeq()
	e, err := p.st.Delete(req.Key, uint64(time.Now().UnixMilli()), seq)
	if err != nil {
		return errResp(req.ID, err)
	}
	p.emit(e)
	return ok(req.ID, nil) // DEL is always ok even if the key didn't exist (spec §4.2).
}

func (p *Processor) handleIncrDecr(req Request, sign int64) Response {
	if err := validateKeyField(req.Key); err != nil {
		return errResp(req.ID, err)
	}
	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}
	amount *= sign

	cur, err := p.st.Get(req.Key)
	var curVal int64
	if err == nil {
		curVal, err = strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return errResp(req.ID, errs.Validation("existing value is not a 64-bit integer"))
		}
	} else if ee, ok2 := err.(*errs.Error); !ok2 || ee.Kind != errs.KindNotFound {
		return errResp(req.ID, err)
	}

	newVal, overflowed := addOverflow(curVal, amount)
	if overflowed {
		return errResp(req.ID, errs.Validation("integer overflow"))
	}

	seq := p.pub.NextSeq()
	e, _, err := p.st.Put(req.Key, []byte(strconv.FormatInt(newVal, 10)), uint64(time.Now().UnixMilli()), seq)
	if err != nil {
		return errResp(req.ID, err)
	}
	p.emit(e)
	return ok(req.ID, newVal)
}

func addOverflow(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, true
	}
	if sum > math.MaxInt64 || sum < math.MinInt64 {
		return 0, true
	}
	return sum, false
}

func (p *Processor) handleAppendPrepend(req Request, isAppend bool) Response {
	if err := validateKeyField(req.Key); err != nil {
		return errResp(req.ID, err)
	}
	if !utf8.ValidString(req.Fragment) {
		return errResp(req.ID, errs.Validation("fragment is not valid UTF-8"))
	}

	cur, err := p.st.Get(req.Key)
	if err != nil {
		if ee, ok2 := err.(*errs.Error); !ok2 || ee.Kind != errs.KindNotFound {
			return errResp(req.ID, err)
		}
		cur = nil // missing key treated as empty (spec §4.2).
	}

	var newVal []byte
	if isAppend {
		newVal = make([]byte, 0, len(cur)+len(req.Fragment))
		newVal = append1(newVal, cur, []byte(req.Fragment))
	} else {
		newVal = make([]byte, 0, len(cur)+len(req.Fragment))
		newVal = append1(newVal, []byte(req.Fragment), cur)
	}
	if len(newVal) > store.MaxValueBytes {
		return errResp(req.ID, errs.SizeLimit(fmt.Sprintf("result length %d exceeds %d bytes", len(newVal), store.MaxValueBytes)))
	}

	seq := p.pub.NextSeq()
	e, _, err := p.st.Put(req.Key, newVal, uint64(time.Now().UnixMilli()), seq)
	if err != nil {
		return errResp(req.ID, err)
	}
	p.emit(e)
	return ok(req.ID, len(newVal))
}

func append1(dst []byte, a, b []byte) []byte {
	dst = append(dst, a...)
	dst = append(dst, b...)
	return dst
}

func (p *Processor) handleMGet(req Request) Response {
	if len(req.Keys) == 0 || len(req.Keys) > maxKeysPerMGet {
		return errResp(req.ID, errs.Validation(fmt.Sprintf("mget requires 1-%d keys", maxKeysPerMGet)))
	}
	out := make(map[string]*string, len(req.Keys))
	total := 0
	for _, k := range req.Keys {
		if err := validateKeyField(k); err != nil {
			return errResp(req.ID, err)
		}
		total += len(k)
		v, err := p.st.Get(k)
		if err != nil {
			out[k] = nil
			continue
		}
		s := string(v)
		out[k] = &s
		total += len(s)
		if total > maxBulkPayload {
			return errResp(req.ID, errs.SizeLimit("mget result payload exceeds 512 KiB"))
		}
	}
	return ok(req.ID, out)
}

func (p *Processor) handleMSet(req Request) Response {
	if len(req.Pairs) == 0 || len(req.Pairs) > maxPairsPerMSet {
		return errResp(req.ID, errs.Validation(fmt.Sprintf("mset requires 1-%d pairs", maxPairsPerMSet)))
	}
	total := 0
	for _, kv := range req.Pairs {
		total += len(kv.Key) + len(kv.Value)
	}
	if total > maxBulkPayload {
		return errResp(req.ID, errs.SizeLimit("mset payload exceeds 512 KiB"))
	}

	results := make([]MSetResult, 0, len(req.Pairs))
	for _, kv := range req.Pairs {
		if err := validateKeyField(kv.Key); err != nil {
			results = append(results, MSetResult{Key: kv.Key, OK: false, Error: err.Error()})
			continue
		}
		if !utf8.ValidString(kv.Value) {
			results = append(results, MSetResult{Key: kv.Key, OK: false, Error: "value is not valid UTF-8"})
			continue
		}
		seq := p.pub.NextSeq()
		e, _, err := p.st.Put(kv.Key, []byte(kv.Value), uint64(time.Now().UnixMilli()), seq)
		if err != nil {
			results = append(results, MSetResult{Key: kv.Key, OK: false, Error: err.Error()})
			continue
		}
		p.emit(e)
		results = append(results, MSetResult{Key: kv.Key, OK: true})
	}
	return ok(req.ID, results)
}
