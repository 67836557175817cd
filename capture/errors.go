package capture

import "fmt"

// InterfaceError denotes a failure to resolve or validate the capture interface
// (e.g. the name does not resolve to an index or the link is not up). Not
// recoverable without caller intervention
type InterfaceError struct {
	Iface string
	Err   error
}

// Error fulfills the error interface
func (e *InterfaceError) Error() string {
	return fmt.Sprintf("interface `%s`: %s", e.Iface, e.Err)
}

// Unwrap provides access to the underlying cause
func (e *InterfaceError) Unwrap() error { return e.Err }

// ConfigurationError denotes an invalid ring buffer geometry (e.g. a frame size
// that does not divide the block size or a non-positive block count). Not
// recoverable without caller intervention
type ConfigurationError struct {
	Field string
	Err   error
}

// Error fulfills the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %s", e.Field, e.Err)
}

// Unwrap provides access to the underlying cause
func (e *ConfigurationError) Unwrap() error { return e.Err }

// ResourceError denotes a failed system interaction (socket creation, option
// negotiation, memory mapping or statistics retrieval). The original errno is
// accessible via Unwrap(). No internal retries are performed
type ResourceError struct {
	Op  string
	Err error
}

// Error fulfills the error interface
func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

// Unwrap provides access to the underlying cause
func (e *ResourceError) Unwrap() error { return e.Err }

// ProtocolError denotes a malformed TPacket block / frame header encountered
// during parsing (kernel / user version skew or memory corruption). Iteration
// of the affected block is aborted rather than guessing at packet boundaries
type ProtocolError struct {
	Block  int
	Offset uint32
	Reason string
}

// Error fulfills the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed TPacket data in block %d at offset %d: %s", e.Block, e.Offset, e.Reason)
}
