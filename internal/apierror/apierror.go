/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

var statusByCode = map[ErrorCode]int{
	ErrNotFound:       http.StatusNotFound,
	ErrConflict:       http.StatusConflict,
	ErrBadRequest:     http.StatusBadRequest,
	ErrInvalidInput:   http.StatusBadRequest,
	ErrInternalServer: http.StatusInternalServerError,
}

// APIError is an error with a stable code that handlers can render directly.
type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e APIError) Unwrap() error { return e.cause }

// NewAPIError builds an APIError. An error passed as details is kept as the cause and
// rendered as its message.
func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	apiErr := APIError{Code: code, Message: message, Details: details}
	if err, ok := details.(error); ok {
		apiErr.cause = err
		apiErr.Details = err.Error()
	}
	if details != nil {
		logrus.WithField("code", code).Error(apiErr.Details)
	}
	return apiErr
}

// AsAPIError finds an APIError in err's chain.
func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := AsAPIError(err); ok {
		if status, known := statusByCode[apiErr.Code]; known {
			return status
		}
	}
	return http.StatusInternalServerError
}
