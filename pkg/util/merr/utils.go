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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case relayError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(relayError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(relayError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

func GetErrorType(err error) ErrorType {
	if merr, ok := err.(relayError); ok {
		return merr.errType
	}

	return SystemError
}

// Service 相关错误封装。
func WrapErrServiceNotReady(role string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady, state, value("role", role))
	return wrapMsg(err, msg...)
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	return wrapMsg(err, msg...)
}

func WrapErrTooManyRequests(limit int32, msg ...string) error {
	err := wrapFields(ErrServiceTooManyRequests, value("limit", limit))
	return wrapMsg(err, msg...)
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	return wrapMsg(err, msg...)
}

func WrapErrServiceUnimplemented(err error) error {
	return wrapFieldsWithDesc(ErrServiceUnimplemented, err.Error())
}

// Session 相关错误封装。
func WrapErrSessionNotFound(id any, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", id))
	return wrapMsg(err, msg...)
}

func WrapErrSessionClosed(id any, msg ...string) error {
	err := wrapFields(ErrSessionClosed, value("session", id))
	return wrapMsg(err, msg...)
}

func WrapErrSessionAlreadyStarted(id any, msg ...string) error {
	err := wrapFields(ErrSessionAlreadyStarted, value("session", id))
	return wrapMsg(err, msg...)
}

// Player 相关错误封装。
func WrapErrPlayerNotFound(id uint64, msg ...string) error {
	err := wrapFields(ErrPlayerNotFound, value("player", id))
	return wrapMsg(err, msg...)
}

// Game 相关错误封装。
func WrapErrGameNotFound(gameType string, msg ...string) error {
	err := wrapFields(ErrGameNotFound, value("game", gameType))
	return wrapMsg(err, msg...)
}

// Channel 相关错误封装。
func WrapErrChannelNotFound(id uint64, msg ...string) error {
	err := wrapFields(ErrChannelNotFound, value("channel", id))
	return wrapMsg(err, msg...)
}

func WrapErrChannelNotAvailable(id uint64, msg ...string) error {
	err := wrapFields(ErrChannelNotAvailable, value("channel", id))
	return wrapMsg(err, msg...)
}

// Queue 相关错误封装。
func WrapErrQueueClosed(name string, msg ...string) error {
	err := wrapFields(ErrQueueClosed, value("queue", name))
	return wrapMsg(err, msg...)
}

// IO 相关错误封装。
func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

func WrapErrIoUnexpectEOF(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoUnexpectEOF, err.Error(), value("key", key))
}

// 参数相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	return wrapMsg(err, msg...)
}

func WrapErrParameterInvalidRange[T any](lower, upper, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		bound("value", actual, lower, upper),
	)
	return wrapMsg(err, msg...)
}

func WrapErrParameterInvalidMsg(fmtMsg string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtMsg, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	return wrapMsg(err, msg...)
}

// 消息队列与后端相关错误封装。
func WrapErrMqInternal(err error, msg ...string) error {
	err = wrapFieldsWithDesc(ErrMqInternal, err.Error())
	return wrapMsg(err, msg...)
}

func WrapErrBackendUnavailable(driver string, err error, msg ...string) error {
	desc := "unknown"
	if err != nil {
		desc = err.Error()
	}
	e := wrapFieldsWithDesc(ErrBackendUnavailable, desc, value("driver", driver))
	return wrapMsg(e, msg...)
}

func WrapErrProtocolMismatch(expected, actual string, msg ...string) error {
	err := wrapFields(ErrProtocolMismatch,
		value("expected", expected),
		value("actual", actual),
	)
	return wrapMsg(err, msg...)
}

// 聊天前端相关错误封装。
func WrapErrFrontendFailed(op string, err error, msg ...string) error {
	desc := "unknown"
	if err != nil {
		desc = err.Error()
	}
	e := wrapFieldsWithDesc(ErrFrontendFailed, desc, value("op", op))
	return wrapMsg(e, msg...)
}

func WrapErrOperationNotSupported(op string, msg ...string) error {
	err := wrapFields(ErrOperationNotSupported, value("op", op))
	return wrapMsg(err, msg...)
}

func wrapMsg(err error, msg ...string) error {
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err relayError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err relayError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name:  name,
		value: value,
		lower: lower,
		upper: upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
