package luabridge

import "errors"

// Backend errors.
var (
	// ErrNotImplemented is returned by operations that are interface stubs
	// in this revision, such as script creation.
	ErrNotImplemented = errors.New("not implemented")
)
