//go:build linux
// +build linux

package afring

import (
	"errors"

	"github.com/DominoTree/go-af-packet/capture"
)

var (
	errLinkNotUp     = errors.New("link is not up")
	errNilOrClosed   = errors.New("nil / closed capture source")
	errStillOpen     = errors.New("capture source still open, call Close() first")
	errInvalidSocket = errors.New("invalid socket")
	errUnknownEvent  = errors.New("unknown event")
)

func errTruncatedChain(block int, offset uint32) error {
	return &capture.ProtocolError{Block: block, Offset: offset,
		Reason: "zero next-offset before declared frame count was reached"}
}

func errChainBeyondBlock(block int, offset uint32) error {
	return &capture.ProtocolError{Block: block, Offset: offset,
		Reason: "next-offset points past block boundary"}
}
