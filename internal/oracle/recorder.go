package oracle

import (
	"context"
	"sync"

	"github.com/soaringjerry/Renova/internal/services"
)

// DefaultRecorderLimit bounds how many requests a Recorder retains.
const DefaultRecorderLimit = 256

// Recorder is an in-process oracle that keeps the most recent dispatched
// requests, dropping the oldest beyond its limit. The server falls back to
// it when no oracle URL is configured.
type Recorder struct {
	mu       sync.Mutex
	requests []services.OracleRequest
	limit    int
	err      error
}

func NewRecorder() *Recorder {
	return &Recorder{limit: DefaultRecorderLimit}
}

// WithLimit changes how many requests are retained; n < 1 keeps one.
func (r *Recorder) WithLimit(n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 1 {
		n = 1
	}
	r.limit = n
	r.trim()
	return r
}

func (r *Recorder) trim() {
	if over := len(r.requests) - r.limit; over > 0 {
		kept := make([]services.OracleRequest, r.limit)
		copy(kept, r.requests[over:])
		r.requests = kept
	}
}

// FailWith makes subsequent dispatches fail with err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Dispatch(_ context.Context, req services.OracleRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.requests = append(r.requests, req)
	r.trim()
	return nil
}

func (r *Recorder) Requests() []services.OracleRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]services.OracleRequest(nil), r.requests...)
}

// Last returns the most recent request, or false when none was dispatched.
func (r *Recorder) Last() (services.OracleRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return services.OracleRequest{}, false
	}
	return r.requests[len(r.requests)-1], true
}

var _ services.Oracle = (*Recorder)(nil)
