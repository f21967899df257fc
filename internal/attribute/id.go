package attribute

import "strings"

// ID builds the attribute id of a device reading.
func ID(device, reading string) string {
	return device + "-" + reading
}

// SplitID splits an attribute id at its first dash into device and reading.
func SplitID(id string) (device, reading string, ok bool) {
	i := strings.IndexByte(id, '-')
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
