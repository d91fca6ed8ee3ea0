package step

import (
	"io"
	"sync"
)

// tee copies each chunk written to it into the log and then to the operator
// stream, in order. Failing to write the log fails the write. If the operator
// stream breaks (a closed terminal, say) it is dropped and the log carries on.
type tee struct {
	log io.Writer
	out io.Writer

	mu     sync.Mutex
	outErr error
}

func newTee(log, out io.Writer) *tee {
	return &tee{log: log, out: out}
}

func (t *tee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.log.Write(p)
	if err != nil {
		return n, err
	}

	if t.out != nil && t.outErr == nil {
		if _, err := t.out.Write(p); err != nil {
			t.outErr = err
		}
	}

	return len(p), nil
}

// OutErr returns the error that caused the operator stream to be dropped.
func (t *tee) OutErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outErr
}
