package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a decoded envelope.
type Kind int

const (
	// KindInvalid marks an envelope that is neither a request nor a
	// well-formed response.
	KindInvalid Kind = iota
	// KindRequest marks an envelope carrying a method.
	KindRequest
	// KindResponse marks an envelope carrying a result or an error.
	KindResponse
)

// envelope is the superset of request and response fields, with
// presence tracking so Classify can tell "absent" from "null".
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Encode serializes a Request, Response, or Notification, stamping the
// canonical protocol version. It fails only for unmarshalable payloads
// smuggled in via raw params, which cannot happen for values built
// through this package's constructors.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		m.JSONRPC = Version
	case *Response:
		m.JSONRPC = Version
	case *Notification:
		m.JSONRPC = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}

// Decode parses raw text into either a request or a response. Exactly
// one of the returned pointers is non-nil on success.
//
// Failures are typed *Error values: unparseable text or a missing id
// yields CodeParseError; text that parses but is shaped as neither a
// request nor a response (or as both) yields CodeInvalidRequest. A
// version mismatch is not a failure — the caller may log it.
func Decode(raw []byte) (*Request, *Response, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if env.ID == nil {
		return nil, nil, &Error{Code: CodeParseError, Message: "parse error: missing id"}
	}

	switch classify(&env) {
	case KindRequest:
		return &Request{
			JSONRPC: env.JSONRPC,
			ID:      *env.ID,
			Method:  env.Method,
			Params:  env.Params,
		}, nil, nil
	case KindResponse:
		return nil, &Response{
			JSONRPC: env.JSONRPC,
			ID:      *env.ID,
			Result:  env.Result,
			Error:   env.Error,
		}, nil
	default:
		return nil, nil, &Error{Code: CodeInvalidRequest, Message: "invalid request: ambiguous envelope"}
	}
}

// classify decides what a decoded envelope is: a method field makes it
// a request, a result or error (and no method) makes it a response,
// anything else is invalid. Carrying both request- and response-shaped
// fields is invalid, as is carrying neither.
func classify(env *envelope) Kind {
	hasResult := len(env.Result) > 0 && string(env.Result) != "null"
	hasError := env.Error != nil

	switch {
	case env.Method != "" && !hasResult && !hasError:
		return KindRequest
	case env.Method == "" && (hasResult != hasError):
		return KindResponse
	default:
		return KindInvalid
	}
}

// MakeSuccess builds a success response carrying result. A result that
// cannot be marshaled degrades to an internal-error response rather
// than failing, so a reply is always available to send.
func MakeSuccess(id string, result any) *Response {
	raw, err := marshalParams(result)
	if err != nil {
		return MakeError(id, CodeInternalError, "marshal result: "+err.Error(), nil)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// MakeError builds an error response. Data may be nil.
func MakeError(id string, code int, message string, data any) *Response {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}
