// Package job defines the payload envelope carried through the broker's
// ready, delayed, and reserved structures.
package job

import (
	"encoding/json"
	"fmt"

	"github.com/wharfqueue/wharf/internal/ids"
	"github.com/wharfqueue/wharf/internal/serialization"
	"google.golang.org/protobuf/proto"
)

// DefaultSerializer is used to encode/decode the opaque Data field. JSON by
// default; callers that want protobuf payloads construct an Envelope via
// NewWithProto.
var DefaultSerializer = serialization.NewJSONSerializer()

// Envelope is the payload shape the broker reads and writes. Job and Data
// are caller-owned and carried across every transition; Attempts and
// ReservedAt are broker-owned and mutated only by the pop script. The pop
// script re-encodes the whole payload with cjson, so the bytes of Data in
// a reserved copy (and in anything released from it) are not guaranteed to
// match the pushed bytes: key order, escaping and number formatting can
// change. DispatchAfterCommit is stamped from broker configuration at
// build time and otherwise passed through untouched; the broker core
// never reads it back.
type Envelope struct {
	ID                  string          `json:"id"`
	Job                 string          `json:"job"`
	Data                json.RawMessage `json:"data"`
	Attempts            int             `json:"attempts"`
	ReservedAt          *int64          `json:"reserved_at,omitempty"`
	DispatchAfterCommit bool            `json:"dispatch_after_commit,omitempty"`
}

// New builds an Envelope with a fresh ID and zeroed broker-owned fields.
// data is marshaled with DefaultSerializer and stored without the
// serializer's format byte, so Data is plain JSON.
func New(jobName string, data interface{}) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:       ids.New(),
		Job:      jobName,
		Data:     raw,
		Attempts: 0,
	}, nil
}

// NewWithProto builds an Envelope whose Data is protobuf-encoded. Data
// keeps the serializer's format byte and is not valid JSON, so Marshal
// (and with it every broker push operation) rejects such an envelope.
func NewWithProto(jobName string, msg proto.Message) (*Envelope, error) {
	raw, err := serialization.NewProtobufSerializer().Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal protobuf data: %w", err)
	}
	return &Envelope{
		ID:       ids.New(),
		Job:      jobName,
		Data:     raw,
		Attempts: 0,
	}, nil
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	encoded, err := DefaultSerializer.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal data: %w", err)
	}
	// Drop the format byte: Data is embedded in the envelope as raw JSON.
	return encoded[1:], nil
}

// UnmarshalData decodes Data into v, auto-detecting JSON vs protobuf
// framing. Unprefixed Data (as New produces) is recognized as JSON only
// when it is an object or an array; a bare JSON string or number is
// rejected as an unknown format.
func (e *Envelope) UnmarshalData(v interface{}) error {
	return DefaultSerializer.Unmarshal(e.Data, v)
}

// Clone returns a deep-enough copy safe to mutate independently: Data and
// ReservedAt do not alias the original's.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Data != nil {
		clone.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.ReservedAt != nil {
		ra := *e.ReservedAt
		clone.ReservedAt = &ra
	}
	return &clone
}

// Marshal serializes the envelope itself (not just Data) to JSON for
// storage in Redis.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal: %w", err)
	}
	return b, nil
}

// Unmarshal parses a stored payload back into an Envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: failed to unmarshal: %w", err)
	}
	return &e, nil
}
