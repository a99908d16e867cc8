package hostlink

import (
	"bytes"
	"net/http"
)

// responseRecorder captures a response served in-process so it can be
// shipped back over the control connection instead of a socket.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.status = status
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// Status returns the recorded status code, defaulting to 200 when the
// handler wrote a body without an explicit header.
func (r *responseRecorder) Status() int {
	if !r.wrote {
		return http.StatusOK
	}
	return r.status
}

// Body returns the recorded response body.
func (r *responseRecorder) Body() []byte { return r.body.Bytes() }
