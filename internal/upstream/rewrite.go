package upstream

import (
	"bytes"
	"io"
)

// CopyRewrite streams src to dst, replacing every literal occurrence of old
// with new. Occurrences spanning read-chunk boundaries are handled by
// retaining the longest tail of each chunk that could begin a match. No
// other byte is altered.
func CopyRewrite(dst io.Writer, src io.Reader, old, new []byte) (int64, error) {
	if len(old) == 0 {
		return io.Copy(dst, src)
	}

	var written int64
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			out, rest := rewriteChunk(pending, old, new)
			if len(out) > 0 {
				w, werr := dst.Write(out)
				written += int64(w)
				if werr != nil {
					return written, werr
				}
			}
			// Move the retained tail to the front of a fresh buffer so
			// pending does not grow without bound.
			pending = append(pending[:0], rest...)
		}
		if rerr == io.EOF {
			if len(pending) > 0 {
				w, werr := dst.Write(bytes.ReplaceAll(pending, old, new))
				written += int64(w)
				if werr != nil {
					return written, werr
				}
			}
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// rewriteChunk replaces complete occurrences of old in data and splits off a
// tail that could still be the start of an occurrence once more bytes
// arrive.
func rewriteChunk(data, old, new []byte) (out, rest []byte) {
	var result []byte
	for {
		i := bytes.Index(data, old)
		if i < 0 {
			break
		}
		result = append(result, data[:i]...)
		result = append(result, new...)
		data = data[i+len(old):]
	}

	// Retain the longest suffix of data that is a proper prefix of old.
	keep := 0
	max := len(old) - 1
	if max > len(data) {
		max = len(data)
	}
	for l := max; l > 0; l-- {
		if bytes.Equal(data[len(data)-l:], old[:l]) {
			keep = l
			break
		}
	}
	result = append(result, data[:len(data)-keep]...)
	return result, data[len(data)-keep:]
}
