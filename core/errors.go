package core

import "errors"

// Engine errors.
var (
	// ErrNotSupported indicates an operation the controller cannot perform
	// (bus width, address length, or a profile without memory operations).
	ErrNotSupported = errors.New("operation not supported")

	// ErrInvalidTransfer indicates an inconsistent transfer description.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrBusy indicates a transfer is already in flight on this controller.
	ErrBusy = errors.New("controller busy")

	// ErrNoMemory indicates a scratch allocation or DMA mapping failure.
	ErrNoMemory = errors.New("insufficient DMA memory")

	// ErrTimeout indicates the controller did not signal completion in time.
	ErrTimeout = errors.New("transfer timeout")

	// ErrSpuriousInterrupt indicates an interrupt arrived with no burst armed.
	ErrSpuriousInterrupt = errors.New("spurious interrupt")

	// ErrDetached indicates the engine was detached while a transfer was in flight.
	ErrDetached = errors.New("controller detached")

	// ErrStall indicates an armed burst never raised its interrupt. The engine
	// never returns it itself; watchdogs in the layers above do.
	ErrStall = errors.New("transfer stalled")
)
