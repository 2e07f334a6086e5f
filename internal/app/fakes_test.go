package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
)

type staticCaps domain.CapabilityStatus

func (s staticCaps) Capability(context.Context) domain.CapabilityStatus {
	return domain.CapabilityStatus(s)
}

// fakeAuth answers prompts from a channel. Successful answers echo the
// prompt binding unless forgeProof is set.
type fakeAuth struct {
	avail      domain.Availability
	answers    chan PromptResult
	started    chan PromptInfo
	forgeProof bool

	canCalls atomic.Int32
	prompts  atomic.Int32
}

func newFakeAuth(avail domain.Availability) *fakeAuth {
	return &fakeAuth{
		avail:   avail,
		answers: make(chan PromptResult, 4),
		started: make(chan PromptInfo, 4),
	}
}

func (f *fakeAuth) CanAuthenticate(context.Context, domain.Authenticators) domain.Availability {
	f.canCalls.Add(1)
	return f.avail
}

func (f *fakeAuth) Prompt(ctx context.Context, info PromptInfo) PromptResult {
	f.prompts.Add(1)
	f.started <- info
	select {
	case r := <-f.answers:
		if r.Kind == KindSuccess {
			r.Proof = cipherop.Proof{Binding: info.Binding}
			if f.forgeProof {
				r.Proof.Binding = "forged"
			}
		}
		return r
	case <-ctx.Done():
		return PromptResult{Kind: KindCanceled}
	}
}

type fakeEnroller struct {
	mu      sync.Mutex
	calls   int
	allowed domain.Authenticators
	err     error
	gen     int
}

func (f *fakeEnroller) Enroll(_ context.Context, allowed domain.Authenticators) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.allowed = allowed
	return f.err
}

func (f *fakeEnroller) EnrollmentState(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fp-%d", f.gen), nil
}

// reenroll changes the enrollment fingerprint.
func (f *fakeEnroller) reenroll() {
	f.mu.Lock()
	f.gen++
	f.mu.Unlock()
}

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCounter() *countingCounter { return &countingCounter{counts: map[string]int64{}} }

func (c *countingCounter) Inc(name string, delta int64) {
	c.mu.Lock()
	c.counts[name] += delta
	c.mu.Unlock()
}

func (c *countingCounter) get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}
