package mm

import "errors"

var (
	ErrOutOfFrames   = errors.New("out of physical frames")
	ErrAlreadyMapped = errors.New("page already mapped")
	ErrNotMapped     = errors.New("page not mapped")
	ErrBadBreak      = errors.New("program break below heap bottom")
	ErrBadAddress    = errors.New("address outside the Sv39 range")
	ErrNoPermission  = errors.New("leaf mapping without R, W or X")
	ErrAccess        = errors.New("user memory access not permitted")
)
