package block

import "fmt"

// ConnectionError reports that a device could not be found or opened.
// It is fatal to the session.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a mid-stream I/O failure such as a lost link or
// an unplugged device. The session may survive it if the device returns.
type TransportError struct {
	Device string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Device, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DataGapError reports a sample-index discontinuity. The stream continues;
// the gap is marked in the output rather than interpolated away.
type DataGapError struct {
	Expected uint64 // expected start index
	Got      uint64 // observed start index
	Missing  uint64 // number of lost frames
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap: expected sample %d, got %d (%d frames lost)",
		e.Expected, e.Got, e.Missing)
}

// ConfigurationError reports an invalid setup request. It is raised before
// a session opens a device, never mid-stream.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// StorageError reports a disk write failure. An unrecoverable one forces
// the session into finalization.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
