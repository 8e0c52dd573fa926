package payload

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var writers = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(nil)
	},
}

// Compress gzips data into a new buffer. data is not modified.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 4)

	zw := writers.Get().(*gzip.Writer)
	defer writers.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
