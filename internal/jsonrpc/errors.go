package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeExecutionReverted is returned by nodes when an eth_call reverts.
	ErrorCodeExecutionReverted ErrorCode = 3
	// ErrorCodeLimitExceeded is the EIP-1474 "request limit exceeded" code.
	ErrorCodeLimitExceeded ErrorCode = -32005

	// ErrorCodeUserRejected is the EIP-1193 provider code for a request the
	// user declined.
	ErrorCodeUserRejected ErrorCode = 4001
	// ErrorCodeUnauthorized is the EIP-1193 code for an unauthorized method or account.
	ErrorCodeUnauthorized ErrorCode = 4100
	// ErrorCodeUnrecognizedChain is returned by wallet_switchEthereumChain for an unknown chain.
	ErrorCodeUnrecognizedChain ErrorCode = 4902
)

// Error is a JSON-RPC error object. It satisfies error and exposes its code
// the same way go-ethereum's rpc.Error does.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("json-rpc error %d", e.Code)
	}
	return e.Message
}

// ErrorCode returns the numeric code.
func (e *Error) ErrorCode() int { return int(e.Code) }

// ErrorData returns the optional data member.
func (e *Error) ErrorData() any { return e.Data }
