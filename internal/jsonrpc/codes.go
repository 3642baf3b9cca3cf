package jsonrpc

// Error codes. The standard JSON-RPC 2.0 codes occupy their reserved
// values; everything mcphub adds lives in the implementation-defined
// band -32000..-32099 so the two can never collide. This enumeration
// is the single source of truth for both the client and server sides.
const (
	// CodeParseError: the text was not a structurally valid envelope.
	CodeParseError = -32700
	// CodeInvalidRequest: parsed, but not a usable request.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound: no handler for the requested method.
	CodeMethodNotFound = -32601
	// CodeInvalidParams: params failed schema validation.
	CodeInvalidParams = -32602
	// CodeInternalError: handler failed for an internal reason.
	CodeInternalError = -32603

	// CodeTimeout: a pending call hit its deadline before a response
	// arrived. Distinct from protocol errors so callers can tell a
	// slow peer from a broken one.
	CodeTimeout = -32001
	// CodeConnectionClosed: the underlying channel dropped while the
	// call was in flight.
	CodeConnectionClosed = -32002
	// CodeNotConnected: the addressed peer has no live connection.
	CodeNotConnected = -32003
	// CodeCapabilityNotSupported: the peer is connected but does not
	// hold the capability handle the call requires.
	CodeCapabilityNotSupported = -32004
)

// ErrorMessage returns the canonical message for a code, for use when
// synthesizing responses.
func ErrorMessage(code int) string {
	switch code {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid request"
	case CodeMethodNotFound:
		return "Method not found"
	case CodeInvalidParams:
		return "Invalid params"
	case CodeInternalError:
		return "Internal error"
	case CodeTimeout:
		return "Request timed out"
	case CodeConnectionClosed:
		return "Connection closed"
	case CodeNotConnected:
		return "Server not connected"
	case CodeCapabilityNotSupported:
		return "Capability not supported"
	default:
		return "Unknown error"
	}
}
