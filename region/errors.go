package region

import "errors"

var (
	// ErrDoesNotExist is returned by LoadBlock for a position that was
	// never saved. Not a hard failure.
	ErrDoesNotExist = errors.New("block does not exist")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrParse covers corrupt magic, version, depth tags, palette flag
	// and short reads of the LUT or a block payload.
	ErrParse = errors.New("parse error")

	// ErrUnavailable means a format migration could not proceed.
	ErrUnavailable = errors.New("unavailable")

	// ErrCantCreate means the containing directory could not be created.
	ErrCantCreate = errors.New("cannot create directory")
)
