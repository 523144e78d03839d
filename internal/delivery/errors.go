package delivery

import "errors"

// ErrQueueClosed indicates a publish after Close.
var ErrQueueClosed = errors.New("delivery queue closed")
