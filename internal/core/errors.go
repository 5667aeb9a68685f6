// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for results that cross subsystem
// boundaries (and eventually an RPC layer).
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Precondition failures ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg negative size).
	ErrInvalidArgument

	// ErrReplicationRange is returned if a requested replication factor is
	// outside the configured [min, max] interval.
	ErrReplicationRange

	// ErrAlreadyComplete is returned if a commit is attempted on a block
	// that has already reached the complete state.
	ErrAlreadyComplete

	// ErrNotComplete is returned if an operation requires a complete block
	// but the block is still under construction or committed.
	ErrNotComplete

	//------ Not-found conditions ------//

	// ErrNoSuchBlock is returned when an operation requires a block to exist but it does not.
	ErrNoSuchBlock

	// ErrNoSuchFile is returned if the block has no owning file anymore.
	ErrNoSuchFile

	// ErrHostNotExist is returned if we don't have a datanode in our state but an RPC implies otherwise.
	ErrHostNotExist

	// ErrNoSuchStorage is returned if a datanode reports with a storage id we don't know.
	ErrNoSuchStorage

	//------ Placement / scheduling ------//

	// ErrAllocHost is returned if the placement policy cannot choose enough targets.
	ErrAllocHost

	// ErrNoSource is returned if no eligible replication source exists for a block.
	ErrNoSource

	//------ Any level ------//

	// ErrTooBusy means the subsystem is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrInvalidState is returned if we find data in our state that doesn't
	// make sense or is inconsistent.
	ErrInvalidState

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrInvalidArgument:  "invalid argument",
	ErrReplicationRange: "replication factor out of configured range",
	ErrAlreadyComplete:  "block is already complete",
	ErrNotComplete:      "block is not complete",

	ErrNoSuchBlock:   "block does not exist",
	ErrNoSuchFile:    "block has no owning file",
	ErrHostNotExist:  "datanode does not exist",
	ErrNoSuchStorage: "storage does not exist",

	ErrAllocHost: "failed to allocate replication targets",
	ErrNoSource:  "no eligible replication source",

	ErrTooBusy:      "too busy",
	ErrInvalidState: "inconsistent internal state",
	ErrUnknown:      "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// PetrelError gets the underlying core.Error from an error.
func PetrelError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}
