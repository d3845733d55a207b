package alloc

import "errors"

var (
	// ErrNoRegion indicates that no region with a free slot lies inside the
	// target's reachability window and the host could not provide one.
	ErrNoRegion = errors.New("alloc: no reachable region available")

	// ErrNotOwned indicates an attempt to free a slot that no region owns.
	ErrNotOwned = errors.New("alloc: slot not owned by any region")

	// ErrNotLive indicates an attempt to free a slot that is already free.
	ErrNotLive = errors.New("alloc: slot is not live")
)
