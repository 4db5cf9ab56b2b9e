// Copyright 2023 Vostok DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verr

import (
	"context"
	"fmt"
	"io"
)

const (
	// 0 - 99 is OK. They do not contain info, and are special handled
	// using a static instance, no alloc.
	Ok              uint16 = 0
	OkStopCurrRecur uint16 = 1
	OkExpectedEOF   uint16 = 2 // Expected End Of File
	OkExpectedEOB   uint16 = 3 // Expected End of Batch

	OkMax uint16 = 99

	// Group 1: internal errors
	ErrInternal     uint16 = 10101
	ErrOOM          uint16 = 10102
	ErrNotSupported uint16 = 10103

	// Group 2: invalid input
	ErrInvalidInput  uint16 = 10201
	ErrInvalidSchema uint16 = 10202

	// Group 3: unexpected state and io errors
	ErrInvalidState    uint16 = 10301
	ErrIO              uint16 = 10302
	ErrFileNotFound    uint16 = 10303
	ErrUnexpectedEOF   uint16 = 10304
	ErrSegmentNotFound uint16 = 10305

	// ErrEnd, the max value of the error code space
	ErrEnd uint16 = 65535
)

var errorMsgRefer = map[uint16]string{
	ErrInternal:        "internal error: %s",
	ErrOOM:             "error: out of memory",
	ErrNotSupported:    "not supported: %s",
	ErrInvalidInput:    "invalid input: %s",
	ErrInvalidSchema:   "invalid schema: %s",
	ErrInvalidState:    "invalid state %s",
	ErrIO:              "io error: %s",
	ErrFileNotFound:    "file %s is not found",
	ErrUnexpectedEOF:   "unexpected end of file %s",
	ErrSegmentNotFound: "segment %d is not found",
	ErrEnd:             "internal error: end of errcode code",
}

type Error struct {
	code    uint16
	message string
}

func newError(_ context.Context, code uint16, args ...any) *Error {
	format, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Sprintf("not exist error code: %d", code))
	}
	if len(args) == 0 {
		return &Error{code: code, message: format}
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

func IsErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	me, ok := e.(*Error)
	if !ok {
		return false
	}
	return me.code == rc
}

// ConvertGoError converts a go error into a vostok error.
// Note here we must return error, because nil error
// is the same as nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(ctx, err.Error())
	}
	return NewInternalError(ctx, "convert go error %v", err)
}

// Special handling of OK codes. These are not errors, but are used to
// signal different success conditions, e.g. the normal end of a
// sequential read. They sit on tight loops, so we cannot afford to new
// an Error. Callers can test with either
//
//	   if err == GetOkExpectedEOF()
//	or if verr.IsErrCode(err, verr.OkExpectedEOF)
var errOkStopCurrRecur = Error{OkStopCurrRecur, "StopCurrRecur"}
var errOkExpectedEOF = Error{OkExpectedEOF, "ExpectedEOF"}
var errOkExpectedEOB = Error{OkExpectedEOB, "ExpectedEOB"}

func GetOkStopCurrRecur() *Error {
	return &errOkStopCurrRecur
}

func GetOkExpectedEOF() *Error {
	return &errOkExpectedEOF
}

func GetOkExpectedEOB() *Error {
	return &errOkExpectedEOB
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM)
}

func NewNotSupported(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNotSupported, xmsg)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidSchema(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidSchema, xmsg)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewIO(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrIO, xmsg)
}

func NewFileNotFound(ctx context.Context, f string) *Error {
	return newError(ctx, ErrFileNotFound, f)
}

func NewUnexpectedEOF(ctx context.Context, f string) *Error {
	return newError(ctx, ErrUnexpectedEOF, f)
}

func NewSegmentNotFound(ctx context.Context, ref uint32) *Error {
	return newError(ctx, ErrSegmentNotFound, ref)
}
