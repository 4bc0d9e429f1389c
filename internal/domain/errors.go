package domain

import "errors"

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrFeedExists is returned when an account already subscribes to a URL.
var ErrFeedExists = errors.New("feed already exists for this account")

// ErrAlreadyPublished is returned when a publish claim races a concurrent
// cycle that already took the entry.
var ErrAlreadyPublished = errors.New("entry already published")
