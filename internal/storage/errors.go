package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyClaimed is returned when a job claim loses the race: the job
// exists but another worker moved it out of pending first.
var ErrAlreadyClaimed = errors.New("storage: job already claimed")
