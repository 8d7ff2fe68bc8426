package proxy

var (
	// Minimum GC heap size for a relay that churns through many short-lived
	// buffers. Only virtual memory is reserved; ignore it in memory profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)
