package models

import "errors"

var (
	// ErrNetwork marks a request that failed in transport, returned a non-2xx
	// status or was rejected by the exchange with a non-zero return code.
	ErrNetwork = errors.New("network error")
	// ErrDecode marks a response whose JSON shape or fields could not be parsed.
	ErrDecode = errors.New("decode error")
	// ErrParse marks malformed content in a persisted series file.
	ErrParse = errors.New("parse error")
)
