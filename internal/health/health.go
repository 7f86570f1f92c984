package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Checker reports agent liveness plus whatever detail the owner injects.
type Checker struct {
	running int32
	detail  func() map[string]any
}

func New(detail func() map[string]any) *Checker {
	return &Checker{detail: detail}
}

func (c *Checker) SetRunning(ok bool) {
	if ok {
		atomic.StoreInt32(&c.running, 1)
	} else {
		atomic.StoreInt32(&c.running, 0)
	}
}

// Handler serves the JSON health snapshot.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"running": atomic.LoadInt32(&c.running) == 1,
		}
		if c.detail != nil {
			for k, v := range c.detail() {
				resp[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
