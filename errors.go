package omi

import "errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectorClosed   = errors.New("connector closed")
	ErrUnsupportedMode   = errors.New("unsupported mode")
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidPeriod     = errors.New("invalid period")
	ErrInvalidPath       = errors.New("invalid path")
	ErrDuplicateResource = errors.New("duplicate resource")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrNoSample          = errors.New("no sample recorded")
	ErrMalformedResponse = errors.New("malformed response")
)
