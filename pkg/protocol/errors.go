package protocol

import "errors"

var (
	ErrEmptyToken      = errors.New("protocol: empty token")
	ErrInvalidToken    = errors.New("protocol: invalid token")
	ErrNonIntegerParam = errors.New("protocol: non-integer parameter")
	ErrInvalidBase64   = errors.New("protocol: invalid base64 payload")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
	ErrInvalidWire     = errors.New("protocol: invalid wire form")
)
