package oidc

import (
	"sync"
	"time"
)

// PendingTTL bounds how long a login may take at the IdP.
const PendingTTL = 10 * time.Minute

// PendingFlows holds PKCE verifiers keyed by state until the callback arrives.
// Each state can be taken once.
type PendingFlows struct {
	mu    sync.Mutex
	flows map[string]pendingFlow
	ttl   time.Duration
	now   func() time.Time
}

type pendingFlow struct {
	verifier string
	created  time.Time
}

// NewPendingFlows returns an empty store with the given TTL.
func NewPendingFlows(ttl time.Duration) *PendingFlows {
	return &PendingFlows{
		flows: make(map[string]pendingFlow),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put records a verifier for state and drops expired entries.
func (p *PendingFlows) Put(state, verifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for s, f := range p.flows {
		if now.Sub(f.created) > p.ttl {
			delete(p.flows, s)
		}
	}
	p.flows[state] = pendingFlow{verifier: verifier, created: now}
}

// Take removes and returns the verifier for state. Unknown and expired
// states report false.
func (p *PendingFlows) Take(state string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.flows[state]
	if !ok {
		return "", false
	}
	delete(p.flows, state)

	if p.now().Sub(f.created) > p.ttl {
		return "", false
	}
	return f.verifier, true
}

// Len returns the number of outstanding flows.
func (p *PendingFlows) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flows)
}
