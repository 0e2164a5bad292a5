package store

import "errors"

var (
	ErrCacheClosed  = errors.New("cache is closed")
	ErrWriteTimeout = errors.New("cache write timeout")
)
