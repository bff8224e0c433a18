package provider

import (
	"context"
	"sync"
)

// Fake is an in-memory Provider for tests. Responses are consumed in FIFO
// order; when the queue is empty the default result is returned.
type Fake struct {
	mu       sync.Mutex
	queue    []fakeReply
	Default  *Result
	Requests []Request
}

type fakeReply struct {
	result *Result
	err    error
}

// NewFake returns a fake that answers with a single inline PNG by default.
func NewFake() *Fake {
	return &Fake{
		Default: &Result{
			Images:       []Image{{URL: "data:image/png;base64,aW1n", Mime: "image/png"}},
			ModelUsed:    DefaultModel,
			EndpointUsed: "primary",
		},
	}
}

// EnqueueResult schedules a success reply.
func (f *Fake) EnqueueResult(r *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeReply{result: r})
}

// EnqueueError schedules a failure reply.
func (f *Fake) EnqueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeReply{err: err})
}

// Generate implements Provider.
func (f *Fake) Generate(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.queue) > 0 {
		reply := f.queue[0]
		f.queue = f.queue[1:]
		return reply.result, reply.err
	}
	return f.Default, nil
}

// Calls returns how many Generate calls the fake has seen.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
