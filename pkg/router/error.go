package router

import (
	"net/http"
)

// JsonError is an error rendered as the JSON body of an error response.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

var (
	ErrNotFound = NewJsonError(http.StatusNotFound, "not found")
	ErrInternal = NewJsonError(http.StatusInternalServerError, "internal server error")
)
