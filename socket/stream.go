package socket

import "sync"

// ResponseStream is a Stream fed by the connection that created it.
//
// It enforces the stream contract on the producer side: Respond succeeds at
// most once, Terminate exactly once, and nothing is delivered after
// Terminate. Listeners are invoked synchronously on the producer's goroutine
// and must not call back into the same stream.
type ResponseStream struct {
	mu         sync.Mutex
	listeners  []Listener
	responded  bool
	terminated bool
	resp       Payload
	err        error
}

// NewResponseStream returns an open stream with no listeners.
func NewResponseStream() *ResponseStream {
	return &ResponseStream{}
}

// Subscribe registers l and replays any events that already fired.
func (s *ResponseStream) Subscribe(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.responded {
		l.OnResponse(s.resp)
	}
	if s.terminated {
		l.OnTerminate(s.err)
		return
	}
	s.listeners = append(s.listeners, l)
}

// Respond delivers the response event. It returns false if the stream has
// already responded or terminated.
func (s *ResponseStream) Respond(resp Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.responded || s.terminated {
		return false
	}
	s.responded = true
	s.resp = resp
	for _, l := range s.listeners {
		l.OnResponse(resp)
	}
	return true
}

// Terminate ends the stream. err is nil for a normal completion. It returns
// false if the stream was already terminated.
func (s *ResponseStream) Terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return false
	}
	s.terminated = true
	s.err = err
	for _, l := range s.listeners {
		l.OnTerminate(err)
	}
	s.listeners = nil
	return true
}

// Complete responds with resp and then terminates normally.
func (s *ResponseStream) Complete(resp Payload) {
	s.Respond(resp)
	s.Terminate(nil)
}

// Terminated reports whether Terminate has been called.
func (s *ResponseStream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
