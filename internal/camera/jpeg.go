package camera

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitter accumulates an MJPEG byte stream and yields complete JPEG images.
type splitter struct {
	buf []byte
}

func (s *splitter) Write(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete JPEG in the buffer, or nil when more input
// is needed. Bytes preceding the start marker are discarded.
func (s *splitter) Next() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF, it may be the first half of a marker
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = s.buf[n-1:]
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}
	end := bytes.Index(s.buf[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		s.buf = s.buf[start:]
		return nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, s.buf[start:end])
	s.buf = s.buf[end:]
	return frame
}
