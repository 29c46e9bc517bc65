package wire

import "fmt"

// HandlerFunc answers a request Message, returning the body to send back
// (wrapped into a Response by Dispatch) or an error to be turned into an
// ErrorResponse. A panicking handler yields an ExceptionResponse.
type HandlerFunc func(req Message) (any, error)

// Mux dispatches inbound request Messages to a registered handler by
// Kind, falling back to an "unknown request type" error when nothing is
// registered — the Request Handler Mux of spec §4.3.
type Mux struct {
	handlers map[MessageKind]HandlerFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[MessageKind]HandlerFunc)}
}

// Handle registers fn for the given request kind.
func (m *Mux) Handle(kind MessageKind, fn HandlerFunc) {
	m.handlers[kind] = fn
}

// Dispatch resolves a handler for req.Kind and invokes it, recovering a
// panic into an ExceptionResponse so one bad handler can't take down the
// update loop.
func (m *Mux) Dispatch(req Message) Message {
	fn, ok := m.handlers[req.Kind]
	if !ok {
		return errorResponse(req, fmt.Errorf("unknown request type: %s", req.Kind))
	}

	var body any
	var err error
	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		body, err = fn(req)
	}()

	if panicked {
		return exceptionResponse(req, err)
	}
	if err != nil {
		return errorResponse(req, err)
	}

	resp, encErr := Encode(KindResponse, 0, req.ID, Response{Result: body})
	if encErr != nil {
		return errorResponse(req, encErr)
	}
	return resp
}

func errorResponse(req Message, err error) Message {
	resp, _ := Encode(KindErrorResponse, 0, req.ID, ErrorResponse{Message: err.Error()})
	return resp
}

func exceptionResponse(req Message, err error) Message {
	resp, _ := Encode(KindExceptionResponse, 0, req.ID, ExceptionResponse{RequestId: req.ID, Message: err.Error()})
	return resp
}
