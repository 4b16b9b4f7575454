package protocol

import "errors"

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrEmptyVersion       = errors.New("protocol: empty version")
)
