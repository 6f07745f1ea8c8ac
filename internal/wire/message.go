package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the message_id tag carried by every frame. Values are part of the
// wire contract and must not be reordered.
type Kind uint16

const (
	KindHeader Kind = 100 + iota // reserved, never sent
	KindAuthenticateRequest
	KindAuthenticateResponse
	KindRefreshIndexRequest
	KindRefreshIndexResponse
	KindNotifyAvailableRequest
	KindSyncRequest
	KindSyncResponse
	KindPing
)

var kindNames = map[Kind]string{
	KindHeader:                 "header",
	KindAuthenticateRequest:    "authenticate_request",
	KindAuthenticateResponse:   "authenticate_response",
	KindRefreshIndexRequest:    "refresh_index_request",
	KindRefreshIndexResponse:   "refresh_index_response",
	KindNotifyAvailableRequest: "notify_available_request",
	KindSyncRequest:            "sync_request",
	KindSyncResponse:           "sync_response",
	KindPing:                   "ping",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// DatasetClipboard is the only dataset in use.
const DatasetClipboard uint16 = 1

// Sync response outcomes carried in the message field.
const (
	SyncMiss uint32 = 0
	SyncHit  uint32 = 1
)

var ErrMalformed = errors.New("wire: malformed message")

// Outbound is implemented by every message type that can be marshaled.
type Outbound interface {
	Kind() Kind
}

type AuthenticateRequest struct {
	UserID   uint64 `json:"user_id"`
	DeviceID uint64 `json:"device_id"`
	Secret   uint64 `json:"secret"`
}

// AuthenticateResponse carries the session token. Message is optional on
// the wire: some relays only send the token.
type AuthenticateResponse struct {
	Token   uint64  `json:"token"`
	Message *uint16 `json:"message,omitempty"`
}

// Values of AuthenticateResponse.Message.
const (
	AuthRejected uint16 = 0
	AuthAccepted uint16 = 1
)

// Accepted reports whether the relay granted a token. A zero token is a
// rejection whether or not message is present.
func (r AuthenticateResponse) Accepted() bool {
	if r.Message != nil && *r.Message == AuthRejected {
		return false
	}
	return r.Token != 0
}

type RefreshIndexRequest struct {
	Token     uint64 `json:"token"`
	DatasetID uint16 `json:"dataset_id"`
}

// IndexEntry is one content listed by a refresh index response.
type IndexEntry struct {
	ID          uint64   `json:"id"`
	ContentType []string `json:"content_type"`
	Description string   `json:"description"`
}

type RefreshIndexResponse struct {
	Contents []IndexEntry `json:"contents"`
	Message  uint16       `json:"message"`
}

type NotifyAvailableRequest struct {
	Token       uint64   `json:"token"`
	DatasetID   uint16   `json:"dataset_id"`
	ContentID   uint64   `json:"content_id"`
	ContentType []string `json:"content_type"`
	Description string   `json:"description"`
}

type SyncRequest struct {
	Token     uint64 `json:"token"`
	ContentID uint64 `json:"content_id"`
	DatasetID uint16 `json:"dataset_id"`
}

// SyncResponse is followed on the wire by ContentSize raw bytes when
// Message is SyncHit.
type SyncResponse struct {
	Token       uint64 `json:"token"`
	ContentID   uint64 `json:"content_id"`
	ContentSize uint32 `json:"content_size"`
	DatasetID   uint16 `json:"dataset_id"`
	Message     uint32 `json:"message"`
}

// Hit reports whether the response carries a payload.
func (r SyncResponse) Hit() bool { return r.Message == SyncHit }

type Ping struct {
	Token uint64 `json:"token"`
}

func (AuthenticateRequest) Kind() Kind    { return KindAuthenticateRequest }
func (AuthenticateResponse) Kind() Kind   { return KindAuthenticateResponse }
func (RefreshIndexRequest) Kind() Kind    { return KindRefreshIndexRequest }
func (RefreshIndexResponse) Kind() Kind   { return KindRefreshIndexResponse }
func (NotifyAvailableRequest) Kind() Kind { return KindNotifyAvailableRequest }
func (SyncRequest) Kind() Kind            { return KindSyncRequest }
func (SyncResponse) Kind() Kind           { return KindSyncResponse }
func (Ping) Kind() Kind                   { return KindPing }

// Marshal encodes m as a JSON object whose first field is message_id.
func Marshal(m Outbound) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %T is not an object", ErrMalformed, m)
	}
	out := make([]byte, 0, len(body)+24)
	out = append(out, `{"message_id":`...)
	out = strconv.AppendUint(out, uint64(m.Kind()), 10)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// Message is one decoded frame: its tag and the raw JSON object.
type Message struct {
	Kind Kind
	Raw  json.RawMessage
}

// Parse reads the message_id of a frame payload. Fields are decoded lazily
// with Decode.
func Parse(payload []byte) (*Message, error) {
	var env struct {
		MessageID *Kind `json:"message_id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.MessageID == nil {
		return nil, fmt.Errorf("%w: missing message_id", ErrMalformed)
	}
	return &Message{Kind: *env.MessageID, Raw: json.RawMessage(payload)}, nil
}

// Decode unmarshals the message fields into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, m.Kind, err)
	}
	return nil
}

// EncodeMessage marshals m and frames it.
func EncodeMessage(m Outbound) ([]byte, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(body)
}
