package relay

// Router dispatches subscriber frames to the handler registered for their
// type. A frame without a type is routed as a post.
type Router struct {
	handlers map[string]FrameHandler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]FrameHandler),
	}
}

// Register registers h for frames of frameType
func (r *Router) Register(frameType string, h FrameHandler) {
	r.handlers[frameType] = h
}

// CanHandle reports whether a handler is registered for frameType
func (r *Router) CanHandle(frameType string) bool {
	_, ok := r.handlers[normalizeType(frameType)]
	return ok
}

// Handle routes f. Frames of an unknown type are answered with an error
// frame.
func (r *Router) Handle(c *Conn, f Frame) {
	f.Type = normalizeType(f.Type)

	h, ok := r.handlers[f.Type]
	if !ok {
		c.Send(Frame{Type: FrameError, Error: "unsupported frame type " + f.Type})
		return
	}
	h(c, f)
}

func normalizeType(frameType string) string {
	if frameType == "" {
		return FramePost
	}
	return frameType
}
