package fsstate

import "io"

// emptyReader backs the zero-byte seq_no marker objects of §4.6.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
