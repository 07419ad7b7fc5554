package queue

import "errors"

// ErrQueueClosed is returned when a task is submitted to, or awaited on, a
// queue that has already been closed.
var ErrQueueClosed = errors.New("queue: closed")
