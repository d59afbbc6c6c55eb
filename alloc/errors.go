package alloc

import "errors"

var (
	ErrOutOfMemory     = errors.New("allocation cannot be satisfied by free space reuse or store growth")
	ErrInvalidDatabase = errors.New("the database image failed structural validation")
	ErrRetry           = errors.New("the file header is transiently inconsistent, re-attempt the attach")
)

var (
	ErrFreeSpaceInvalid = errors.New("free space bookkeeping is invalid, mutating calls are refused")
	ErrBadCheckpoint    = errors.New("the committed free list checkpoint failed validation")
)

var (
	ErrAttached  = errors.New("the allocator is already attached")
	ErrDetached  = errors.New("the allocator is not attached")
	ErrReadOnly  = errors.New("the session is read only")
	ErrNotAFile  = errors.New("the operation requires a file attachment")
	ErrRangeEnd  = errors.New("the requested range extends beyond the allocated ref space")
)
