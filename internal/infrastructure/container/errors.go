package container

import "errors"

// ErrUnknownDriver is returned for a storage driver outside sqlite, postgres and memory.
var ErrUnknownDriver = errors.New("unknown storage driver")

// ErrStorageInitFailed wraps any failure opening the primary store.
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrRedisUnavailable is returned when redis is enabled but does not answer PING.
var ErrRedisUnavailable = errors.New("redis unavailable")
