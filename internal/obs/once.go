package obs

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// OnceRegistry remembers which keys have already been reported. One registry is
// created per process and handed to the components that need log-once
// behaviour; tests create their own or call Reset.
type OnceRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnceRegistry returns an empty registry.
func NewOnceRegistry() *OnceRegistry {
	return &OnceRegistry{seen: make(map[string]struct{})}
}

// First reports whether key is seen for the first time, marking it as seen.
func (r *OnceRegistry) First(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	r.seen[key] = struct{}{}
	return true
}

// Seen reports whether key was already marked.
func (r *OnceRegistry) Seen(key string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[key]
	return ok
}

// Reset forgets every key.
func (r *OnceRegistry) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string]struct{})
}

// Warn logs the entry at warning level the first time key is reported.
// It returns true when the message was written.
func (r *OnceRegistry) Warn(key string, fields logrus.Fields, format string, args ...interface{}) bool {
	if !r.First(key) {
		return false
	}
	logrus.WithFields(fields).Warnf(format, args...)
	return true
}
