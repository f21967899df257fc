package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device name is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrNoMappings is returned when a listed device carries no
	// homebridgeMapping attribute and has no devices file entry.
	ErrNoMappings = errors.New("device: no mappings")

	// ErrIgnored is returned for devices with genericDeviceType "ignore".
	ErrIgnored = errors.New("device: ignored")

	// ErrUnsupportedFile is returned when a devices file has an unknown extension.
	ErrUnsupportedFile = errors.New("device: unsupported devices file")

	// ErrInvalidFile is returned when a devices file entry is malformed.
	ErrInvalidFile = errors.New("device: invalid devices file")

	// ErrInvalidHistoryQuery is returned for history queries without an attribute id.
	ErrInvalidHistoryQuery = errors.New("device: invalid history query")
)
