// Package command implements the Command Processor (C5): JSON command/
// response frames, validation, the idempotency cache, and opcode dispatch
// onto the Storage Engine and Replication Publisher.
//
// Grounded on the teacher's internal/api/handlers.go (Gin JSON bind +
// {status, error} response shape), generalized from HTTP handlers to
// MQTT-delivered JSON command frames.
package command

// Opcode is one of the nine supported operations (spec §4.2).
type Opcode string

const (
	OpGet     Opcode = "GET"
	OpSet     Opcode = "SET"
	OpDel     Opcode = "DEL"
	OpIncr    Opcode = "INCR"
	OpDecr    Opcode = "DECR"
	OpAppend  Opcode = "APPEND"
	OpPrepend Opcode = "PREPEND"
	OpMGet    Opcode = "MGET"
	OpMSet    Opcode = "MSET"
)

// maxCommandPayload is the overall command-frame cap (spec §6 "command
// payload ≤ 512 KiB"). It bounds Request's string fields at the struct-tag
// layer; the tighter per-value 256 KiB cap (§3 Entry.value) is enforced
// later, inside the store, so it can be reported as SizeLimit(200) rather
// than shape-level Validation(100).
const maxCommandPayload = 512 * 1024

// KVPair is one entry of an MSET request (spec §4.2 "MSET: pairs[]").
type KVPair struct {
	Key   string `json:"key" validate:"required,max=256"`
	Value string `json:"value" validate:"max=524288"`
}

// Request is the JSON command frame (spec §3/§6). Struct tags carry the
// shape-level validation (required fields, opcode enum, cardinality/size
// bounds); op-specific business rules (UTF-8, integer overflow, existing-key
// type checks, the tighter per-value byte cap) stay hand-written in
// processor.go since go-playground/validator has no vocabulary for them.
type Request struct {
	ID       string   `json:"id" validate:"omitempty,max=128"`
	Op       Opcode   `json:"op" validate:"required,oneof=GET SET DEL INCR DECR APPEND PREPEND MGET MSET"`
	Key      string   `json:"key,omitempty" validate:"max=256"`
	Value    string   `json:"value,omitempty" validate:"max=524288"`
	Amount   *int64   `json:"amount,omitempty"`
	Fragment string   `json:"fragment,omitempty" validate:"max=524288"`
	Keys     []string `json:"keys,omitempty" validate:"max=256,dive,max=256"`
	Pairs    []KVPair `json:"pairs,omitempty" validate:"max=100,dive"`
}

// Status is the response status discriminator (spec §3/§6).
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response is the JSON response frame. Value holds whatever op-specific
// payload the opcode produces (string, map, int, or a per-key result list
// for MSET) so json.Marshal can serialize any of them uniformly.
type Response struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

func ok(id string, value any) Response {
	return Response{ID: id, Status: StatusOK, Value: value}
}

// MSetResult is one element of MSET's per-key ok/err result list.
type MSetResult struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
