package http2

import (
	"errors"
	"io"
	"sync"
)

var copyBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 1<<14) // max frame size 16384
	},
}

var streamWritePool = sync.Pool{
	New: func() interface{} {
		return &streamWrite{}
	},
}

// streamWrite adapts a stream's outbound response body (an io.Writer/
// io.ReaderFrom target) onto a sequence of DATA frames sent through the
// connection's writer channel, chunked into frames of at most 16 KiB (the
// RFC 7540 minimum max frame size), whatever frame size was negotiated.
type streamWrite struct {
	size    int64
	written int64
	strm    *Stream
	writer  chan<- *FrameHeader
	deps    *DependencyTree
}

func acquireStreamWrite() *streamWrite {
	v := streamWritePool.Get()
	if v == nil {
		return &streamWrite{}
	}
	return v.(*streamWrite)
}

func releaseStreamWrite(sw *streamWrite) {
	sw.Reset()
	streamWritePool.Put(sw)
}

func (s *streamWrite) Reset() {
	s.size = 0
	s.written = 0
	s.strm = nil
	s.writer = nil
	s.deps = nil
}

func (s *streamWrite) Write(body []byte) (n int, err error) {
	if (s.size <= 0 && s.written > 0) || (s.size > 0 && s.written >= s.size) {
		return 0, errors.New("http2: stream writer closed")
	}

	step := 1 << 14

	n = len(body)
	s.written += int64(n)

	end := s.size < 0 || s.written >= s.size

	if s.deps != nil {
		s.deps.SetActive(s.strm.ID(), true)
	}

	for i := 0; i < n; i += step {
		if i+step >= n {
			step = n - i
		}

		if s.deps != nil {
			s.deps.Top(step)
		}

		fr := AcquireFrameHeader()
		fr.SetStream(s.strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(end && i+step == n)
		data.SetPadding(false)
		data.SetData(body[i : step+i])

		fr.SetBody(data)

		s.writer <- fr
	}

	if s.deps != nil && end {
		s.deps.SetActive(s.strm.ID(), false)
	}

	return len(body), nil
}

func (s *streamWrite) ReadFrom(r io.Reader) (num int64, err error) {
	buf := copyBufPool.Get().([]byte)

	if s.size < 0 {
		if lrSize := limitedReaderSize(r); lrSize >= 0 {
			s.size = lrSize
		}
	}

	if s.deps != nil {
		s.deps.SetActive(s.strm.ID(), true)
	}

	var n int
	for {
		n, err = r.Read(buf[0:])
		if n <= 0 && err == nil {
			err = errors.New("http2: BUG: io.Reader returned 0, nil")
		}

		if err != nil {
			break
		}

		if s.deps != nil {
			s.deps.Top(n)
		}

		fr := AcquireFrameHeader()
		fr.SetStream(s.strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(err != nil || (s.size >= 0 && num+int64(n) >= s.size))
		data.SetPadding(false)
		data.SetData(buf[:n])
		fr.SetBody(data)

		s.writer <- fr

		num += int64(n)
		if s.size >= 0 && num >= s.size {
			break
		}
	}

	if s.deps != nil {
		s.deps.SetActive(s.strm.ID(), false)
	}

	copyBufPool.Put(buf)
	if errors.Is(err, io.EOF) {
		return num, nil
	}

	return num, err
}
