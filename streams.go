package http2

// Streams is a slice of *Stream kept in ascending ID order, the shape
// handleStreams (connstate.go) iterates over for timeout sweeps and
// idle-stream closure per RFC 7540 §5.1.1.
type Streams []*Stream

// Search returns the stream with the given id, or nil.
func (s Streams) Search(id uint32) *Stream {
	// linear scan: connections rarely hold more than a few dozen
	// concurrent streams, and this keeps Insert/Del trivial.
	for _, strm := range s {
		if strm.ID() == id {
			return strm
		}
	}
	return nil
}

// GetFirstOf returns the first stream (in ID order) whose origType matches
// t, or nil.
func (s Streams) GetFirstOf(t FrameType) *Stream {
	for _, strm := range s {
		if strm.origType == t {
			return strm
		}
	}
	return nil
}

// getPrevious returns the last stream (in ID order) whose origType matches
// t, used to check that the previously-opened HEADERS stream finished its
// header block before a new one begins.
func (s Streams) getPrevious(t FrameType) *Stream {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].origType == t {
			return s[i]
		}
	}
	return nil
}

// Insert adds strm keeping Streams sorted by ascending ID.
func (s *Streams) Insert(strm *Stream) {
	strms := *s
	i := 0
	for i < len(strms) && strms[i].ID() < strm.ID() {
		i++
	}
	strms = append(strms, nil)
	copy(strms[i+1:], strms[i:])
	strms[i] = strm
	*s = strms
}

// Del removes the stream with the given id, if present.
func (s *Streams) Del(id uint32) {
	strms := *s
	for i, strm := range strms {
		if strm.ID() == id {
			strms = append(strms[:i], strms[i+1:]...)
			*s = strms
			return
		}
	}
}
