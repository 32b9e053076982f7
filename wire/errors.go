package wire

import "fmt"

// Control codes follow HTTP conventions: 2xx success, 3xx redirect/info,
// 4xx client error, 5xx server error.
const (
	CodeOK           = 200
	CodeAccepted     = 202
	CodeNoContent    = 204
	CodeResetContent = 205
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeGone         = 410
	CodeInternal     = 500
	CodeUnavailable  = 503
)

// ServerError is an explicit {ctrl} rejection: a machine-readable code and
// a human-readable message.
type ServerError struct {
	Code  int
	Text  string
	Topic string
}

// NewServerError builds a ServerError from a ctrl envelope.
func NewServerError(ctrl *ServerCtrl) *ServerError {
	return &ServerError{Code: ctrl.Code, Text: ctrl.Text, Topic: ctrl.Topic}
}

func (e *ServerError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("server rejected request: %d %s (topic %s)", e.Code, e.Text, e.Topic)
	}
	return fmt.Sprintf("server rejected request: %d %s", e.Code, e.Text)
}

// IsFatal reports whether the error terminates the session: authentication
// failures must be surfaced to the caller and never retried automatically.
func (e *ServerError) IsFatal() bool {
	return e.Code == CodeUnauthorized || e.Code == CodeForbidden
}

// IsGone reports whether the error means the topic no longer exists.
func (e *ServerError) IsGone() bool {
	return e.Code == CodeNotFound || e.Code == CodeGone
}

// IsSuccess reports whether a ctrl code indicates success.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
