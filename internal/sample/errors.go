package sample

import (
	"errors"
	"fmt"
	"strings"
)

// StatusError is implemented by transport errors that carry a protocol
// status, such as a gRPC code or a websocket close code.
type StatusError interface {
	error
	Protocol() string
	StatusCode() string
}

// ErrorDetail is the captured failure of a sample.
type ErrorDetail struct {
	Message  string
	Type     string
	Trace    string
	Protocol string
	Code     string

	cause error
}

// NewErrorDetail captures err. A nil err yields an "unknown error" detail.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return &ErrorDetail{Message: "unknown error", Type: "unknown"}
	}
	d := &ErrorDetail{Message: err.Error(), cause: err}

	var lines []string
	root := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
		root = e
	}
	d.Trace = strings.Join(lines, "\n")
	d.Type = fmt.Sprintf("%T", root)

	var se StatusError
	if errors.As(err, &se) {
		d.Protocol = se.Protocol()
		d.Code = se.StatusCode()
	}
	return d
}

func (d *ErrorDetail) Error() string { return d.Message }

func (d *ErrorDetail) Unwrap() error { return d.cause }
