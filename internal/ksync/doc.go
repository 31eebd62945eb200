package ksync

// Priority-less callers (most of the filesystem and all current tests)
// pass nil as the Priority argument throughout this package; donation
// and the recursive-acquire assertion are then simply inert, per the
// "pass nil if the caller does not participate" contract documented on
// Lock.Acquire.
