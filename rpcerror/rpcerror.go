// Package rpcerror classifies failures from wallet providers and RPC nodes
// into a small taxonomy that drives retry decisions and the messages shown
// to callers.
package rpcerror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ggoodman/rpcguard-go/internal/jsonrpc"
)

// Category is one class of the error taxonomy.
type Category int

const (
	CategoryUnclassified Category = iota
	CategoryUserRejected
	CategoryInvalidInput
	CategoryTransient
	CategoryInternalRPC
	CategoryCircuitOpen
)

func (c Category) String() string {
	switch c {
	case CategoryUserRejected:
		return "user_rejected"
	case CategoryInvalidInput:
		return "invalid_input"
	case CategoryTransient:
		return "transient"
	case CategoryInternalRPC:
		return "internal_rpc"
	case CategoryCircuitOpen:
		return "circuit_open"
	default:
		return "unclassified"
	}
}

var (
	// ErrCircuitOpen is matched by every error produced when a circuit
	// breaker refuses to run an operation.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a single attempt exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrUserRejected can be returned by providers that do not speak EIP-1193 codes.
	ErrUserRejected = errors.New("user rejected the request")
)

// Stable messages surfaced to callers.
const (
	MsgUserRejectedRequest    = "User rejected the request"
	MsgUserRejectedConnection = "User rejected the connection"
	MsgInvalidParams          = "Invalid parameters"
	MsgInternalRPC            = "Internal JSON-RPC error"
	MsgAlreadyProcessing      = "Connection already in progress"
	MsgUnsupportedNetwork     = "Unsupported blockchain network"
	MsgCircuitOpen            = "Service temporarily unavailable, try again later"
)

// Error is a normalized error.
type Error struct {
	Category Category
	Code     int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode reports the provider code, or 0 when none was observed.
func (e *Error) ErrorCode() int { return e.Code }

// Is lets errors.Is(err, ErrCircuitOpen) hold for a normalized circuit error.
func (e *Error) Is(target error) bool {
	return target == ErrCircuitOpen && e.Category == CategoryCircuitOpen
}

// New builds a normalized error of the given category.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Wrap builds a normalized error that keeps cause for errors.Is/As.
func Wrap(category Category, cause error, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Code extracts a JSON-RPC or EIP-1193 code from err.
func Code(err error) (int, bool) {
	var coded rpc.Error
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}

// Classify places err in the taxonomy.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnclassified
	}

	var norm *Error
	if errors.As(err, &norm) && norm.Category != CategoryUnclassified {
		return norm.Category
	}
	if errors.Is(err, ErrCircuitOpen) {
		return CategoryCircuitOpen
	}
	if errors.Is(err, ErrUserRejected) {
		return CategoryUserRejected
	}
	if code, ok := Code(err); ok {
		if c, known := classifyCode(code); known {
			return c
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	return classifyMessage(err.Error())
}

func classifyCode(code int) (Category, bool) {
	switch jsonrpc.ErrorCode(code) {
	case jsonrpc.ErrorCodeUserRejected, jsonrpc.ErrorCodeUnauthorized:
		return CategoryUserRejected, true
	case jsonrpc.ErrorCodeInvalidParams, jsonrpc.ErrorCodeInvalidRequest,
		jsonrpc.ErrorCodeMethodNotFound, jsonrpc.ErrorCodeParseError,
		jsonrpc.ErrorCodeUnrecognizedChain, jsonrpc.ErrorCodeExecutionReverted:
		return CategoryInvalidInput, true
	case jsonrpc.ErrorCodeInternalError:
		return CategoryInternalRPC, true
	case jsonrpc.ErrorCodeLimitExceeded:
		return CategoryTransient, true
	}
	return CategoryUnclassified, false
}

func classifyStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return CategoryTransient
	case status >= 400:
		return CategoryInvalidInput
	}
	return CategoryUnclassified
}

func classifyMessage(msg string) Category {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "user rejected"), strings.Contains(lower, "user denied"):
		return CategoryUserRejected
	case strings.Contains(lower, "invalid params"),
		strings.Contains(lower, "invalid argument"),
		strings.Contains(lower, "unsupported chain"):
		return CategoryInvalidInput
	case strings.Contains(lower, "network"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "connection"):
		return CategoryTransient
	}
	return CategoryUnclassified
}

// Retryable reports whether an operation that failed with err is worth
// another attempt. User rejections, malformed input and open circuits are
// final; everything else, unclassified included, is retried.
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryUserRejected, CategoryInvalidInput, CategoryCircuitOpen:
		return false
	}
	return err != nil
}

// Normalize converts err into a *Error with a stable message. Unrecognized
// errors keep their original message. A nil err yields nil.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) && already.Category != CategoryUnclassified {
		return already
	}

	category := Classify(err)
	code, _ := Code(err)
	lower := strings.ToLower(err.Error())
	out := &Error{Category: category, Code: code, Message: err.Error(), Cause: err}

	switch {
	case category == CategoryCircuitOpen:
		out.Message = MsgCircuitOpen
	case jsonrpc.ErrorCode(code) == jsonrpc.ErrorCodeUserRejected:
		out.Message = MsgUserRejectedRequest
	case jsonrpc.ErrorCode(code) == jsonrpc.ErrorCodeInvalidParams:
		out.Message = MsgInvalidParams
	case jsonrpc.ErrorCode(code) == jsonrpc.ErrorCodeInternalError:
		out.Message = MsgInternalRPC
	case strings.Contains(lower, "user rejected"), errors.Is(err, ErrUserRejected):
		out.Message = MsgUserRejectedConnection
	case strings.Contains(lower, "already processing"):
		out.Message = MsgAlreadyProcessing
	case strings.Contains(lower, "unsupported chain"):
		out.Message = MsgUnsupportedNetwork
	}
	return out
}
