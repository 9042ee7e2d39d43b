package gateway

import (
	"context"
	"errors"
	"sync"
)

type recordedCall struct {
	Service string
	Args    map[string]any
}

// fakeTransport is a scripted Transport. Services become ready after
// notReadyPolls Exists calls; Call returns queued results in order and then
// succeeds.
type fakeTransport struct {
	mu            sync.Mutex
	notReadyPolls int
	existsCalls   int
	existsErr     error
	results       []Result
	errs          []error
	calls         []recordedCall
}

func (f *fakeTransport) Exists(ctx context.Context, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.existsCalls > f.notReadyPolls, nil
}

func (f *fakeTransport) Call(ctx context.Context, service string, args map[string]any) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Service: service, Args: args})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return Result{}, err
		}
	}
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r, nil
	}
	return Result{Success: true, Message: "ok"}, nil
}

func (f *fakeTransport) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

var errBoom = errors.New("boom")
