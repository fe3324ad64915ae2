// Package stratum implements the Stratum V1 side of the pool: the wire
// protocol, per-connection sessions and the coordinator that ties sessions
// to jobs, validation and banning.
package stratum

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Message represents an inbound Stratum JSON-RPC message.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Response is an outbound reply. Both result and error are always present.
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// Notification is an unsolicited push; its id is always null.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Stratum error codes. 20-23 are shared with share validation.
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Method names.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// Marshal encodes an outbound message.
func Marshal(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a successful response
func NewResponse(id any, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response with a null result
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification creates a notification
func NewNotification(method string, params []any) *Notification {
	return &Notification{Method: method, Params: params}
}

// IsRequest returns true if the message is a request expecting a response
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message carries a method but no id
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both are optional.
func ParseSubscribeRequest(params []any) *SubscribeRequest {
	req := &SubscribeRequest{}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password is
// optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: strings.ToLower(fields[2]),
		NTime:       strings.ToLower(fields[3]),
		Nonce:       strings.ToLower(fields[4]),
	}, nil
}

// SplitWorker splits "miner.worker" into its parts. The worker part may be
// empty.
func SplitWorker(username string) (miner, worker string) {
	miner, worker, _ = strings.Cut(strings.TrimSpace(username), ".")
	return miner, worker
}
