package broadcast

import (
	"context"
	"sync"
)

type contextKey int

const subjectKey contextKey = 0

// WithSubject attaches the authenticated subscriber principal to a request
// context. Session issuance itself belongs to the auth collaborator.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext returns the authenticated principal, empty if none.
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// Roster is the live subject→tenant permission table. Grants and
// revocations take effect on the next published event because the hub asks
// the roster per delivery, never caching the answer on the subscription.
type Roster struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool // subject -> tenantID -> allowed
}

func NewRoster() *Roster {
	return &Roster{grants: make(map[string]map[string]bool)}
}

func (r *Roster) Grant(subject, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants[subject] == nil {
		r.grants[subject] = make(map[string]bool)
	}
	r.grants[subject][tenantID] = true
}

func (r *Roster) Revoke(subject, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants[subject], tenantID)
}

// Authorized implements Authorizer.
func (r *Roster) Authorized(subject, tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[subject][tenantID]
}
