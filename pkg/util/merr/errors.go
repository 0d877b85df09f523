// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady        = newRelayError("service not ready", 1, true) // This indicates the service is still in init
	ErrServiceUnavailable     = newRelayError("service unavailable", 2, true)
	ErrServiceTooManyRequests = newRelayError("too many concurrent requests, queue is full", 4, true)
	ErrServiceInternal        = newRelayError("service internal error", 5, false)
	ErrServiceUnimplemented   = newRelayError("service unimplemented", 10, false)

	// Session related
	ErrSessionNotFound       = newRelayError("session not found", 100, false)
	ErrSessionClosed         = newRelayError("session closed", 101, false)
	ErrSessionAlreadyStarted = newRelayError("session already started", 102, false)

	// Player related
	ErrPlayerNotFound = newRelayError("player not found", 200, false)

	// Game related
	ErrGameNotFound = newRelayError("game not found", 300, false)

	// Channel related
	ErrChannelNotFound     = newRelayError("channel not found", 500, false)
	ErrChannelNotAvailable = newRelayError("channel not available", 503, false)

	// Queue related
	ErrQueueClosed = newRelayError("queue closed", 600, false)

	// IO related
	ErrIoFailed      = newRelayError("IO failed", 1001, false)
	ErrIoUnexpectEOF = newRelayError("unexpected EOF", 1002, true)

	// Parameter related
	ErrParameterInvalid = newRelayError("invalid parameter", 1100, false)
	ErrParameterMissing = newRelayError("missing parameter", 1101, false)

	// Message queue and backend related
	ErrMqInternal         = newRelayError("message queue internal error", 1302, false)
	ErrBackendUnavailable = newRelayError("backend unavailable", 1303, true)
	ErrProtocolMismatch   = newRelayError("protocol version mismatch", 1304, false)

	// Chat front-end related
	ErrFrontendFailed = newRelayError("chat front-end request failed", 1400, true)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to relayError
	errUnexpected = newRelayError("unexpected error", (1<<16)-1, false)

	// General
	ErrOperationNotSupported = newRelayError("unsupported operation", 3000, false)
)

type errorOption func(*relayError)

func WithDetail(detail string) errorOption {
	return func(err *relayError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *relayError) {
		err.errType = etype
	}
}

type relayError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newRelayError(msg string, code int32, retriable bool, options ...errorOption) relayError {
	err := relayError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e relayError) code() int32 {
	return e.errCode
}

func (e relayError) Error() string {
	return e.msg
}

func (e relayError) Detail() string {
	return e.detail
}

func (e relayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(relayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多错误的 cause 定义为最后一个错误，以便 Code 等方法生效。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 将多个错误合并为一个，忽略其中的 nil。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
