package fhem

import "bytes"

// lineBuffer reassembles newline delimited lines from arbitrary chunks.
// A partial trailing line is kept until the chunk completing it arrives.
//
// Not safe for concurrent use; each stream owns its buffer.
type lineBuffer struct {
	pending []byte
}

// Write appends chunk and returns every line it completed, without the
// trailing "\n" and with carriage returns removed.
func (b *lineBuffer) Write(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.pending = append(b.pending, chunk...)
			break
		}
		b.pending = append(b.pending, chunk[:i]...)
		lines = append(lines, string(bytes.ReplaceAll(b.pending, []byte{'\r'}, nil)))
		b.pending = b.pending[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

// Pending returns the incomplete tail.
func (b *lineBuffer) Pending() string {
	return string(b.pending)
}

// Reset drops the incomplete tail.
func (b *lineBuffer) Reset() {
	b.pending = b.pending[:0]
}
