package client

import "net/http"

// RequestResult is the outcome of one registry call: a status code when
// the server answered, a decoded value on success, or a transport error.
// Components never retry on their own; they classify the result and
// report an outcome to their scheduler.
type RequestResult[T any] struct {
	Status int
	Value  *T
	Err    error
}

func (r RequestResult[T]) IsSuccessful() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

func (r RequestResult[T]) IsClientError() bool {
	return r.Err == nil && r.Status >= 400 && r.Status < 500
}

func (r RequestResult[T]) IsServerError() bool {
	return r.Err == nil && r.Status >= 500
}

func (r RequestResult[T]) IsTooManyRequests() bool {
	return r.Err == nil && r.Status == http.StatusTooManyRequests
}

func (r RequestResult[T]) IsConflict() bool {
	return r.Err == nil && r.Status == http.StatusConflict
}
