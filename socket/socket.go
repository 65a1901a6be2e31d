// Package socket defines the contract between a request-level connection and
// the code that observes it: a connection accepts a request payload and hands
// back a stream that reports the request's lifecycle.
package socket

// Payload is an opaque request or response body with optional metadata.
type Payload struct {
	Data     []byte
	Metadata []byte
}

// Listener receives the lifecycle events of one submitted request.
//
// OnResponse is called at most once. OnTerminate is called exactly once and is
// always the last call; it may arrive without a prior OnResponse when the
// request failed or was cancelled, in which case err describes why.
type Listener interface {
	OnResponse(resp Payload)
	OnTerminate(err error)
}

// Stream is the response side of one submitted request.
type Stream interface {
	// Subscribe registers l for this stream's events. Events that already
	// happened are replayed to l in their original order.
	Subscribe(l Listener)
}

// Conn is a single logical connection to a remote endpoint.
type Conn interface {
	// Submit sends req and returns the stream carrying its outcome. Failures
	// are reported through the stream, never synchronously.
	Submit(req Payload) Stream
	// Availability reports connection health in [0,1]; 0 means unusable.
	Availability() float64
	// Close shuts the connection down and calls onDone, if non-nil, once the
	// close has completed.
	Close(onDone func(error))
}

// ListenerFuncs adapts a pair of functions to the Listener interface. Nil
// fields are skipped.
type ListenerFuncs struct {
	Response  func(resp Payload)
	Terminate func(err error)
}

func (f ListenerFuncs) OnResponse(resp Payload) {
	if f.Response != nil {
		f.Response(resp)
	}
}

func (f ListenerFuncs) OnTerminate(err error) {
	if f.Terminate != nil {
		f.Terminate(err)
	}
}
