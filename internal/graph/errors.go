package graph

import "github.com/pkg/errors"

var (
	// ErrEmptyBranch is returned when inserting a branch without nodes.
	ErrEmptyBranch = errors.New("graph: branch has no nodes")

	// ErrNotUnattached is returned when inserting a branch that was already
	// inserted (or removed).
	ErrNotUnattached = errors.New("graph: branch is not unattached")

	// ErrNotAttached is returned when removing a branch that is not attached.
	ErrNotAttached = errors.New("graph: branch is not attached")

	// ErrNoMuxer is returned when a muxed branch names a class without a
	// registered muxer factory.
	ErrNoMuxer = errors.New("graph: no muxer for destination class")

	errUnknownPort = errors.New("graph: port not attached to this splitter")
)
