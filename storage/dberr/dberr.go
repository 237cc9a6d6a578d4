// Package dberr defines the error taxonomy surfaced by the storage core.
// Success is a nil error; callers classify failures with errors.Is.
package dberr

import "errors"

var (
	// General errors.
	ErrInternal        = errors.New("internal error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfMemory     = errors.New("out of memory")

	// File system errors.
	ErrFileNotFound    = errors.New("file not found")
	ErrFileOpened      = errors.New("file already opened")
	ErrFileNotOpen     = errors.New("file not open")
	ErrFileFull        = errors.New("file is full")
	ErrFileNameInvalid = errors.New("invalid file name")
	ErrFileCreate      = errors.New("failed to create file")
	ErrFileCorrupted   = errors.New("file corrupted")

	// Low level I/O errors.
	ErrIORead  = errors.New("i/o read error")
	ErrIOWrite = errors.New("i/o write error")
	ErrIOSeek  = errors.New("i/o seek error")

	// Buffer pool errors.
	ErrBufferPoolFull   = errors.New("buffer pool is full and no frame can be evicted")
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrPageUnpin        = errors.New("page pin count does not allow this operation")
	ErrInvalidPageNum   = errors.New("invalid page number")
	ErrBufferPoolOpened = errors.New("buffer pool already opened")
	ErrNoMemPool        = errors.New("frame allocator unavailable")

	// Log errors.
	ErrMessageInvalid = errors.New("log message invalid")
)
