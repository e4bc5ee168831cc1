package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a process made of several long
// running parts (listeners, queue workers, watchers).
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Every long running part is started by Attach or AttachCtx and returns on the close signal.
//  3. A part that hits a fatal error calls SendCloseSignal to bring the whole process down.
//     CloseWait must not be called from inside a part, it would deadlock.
//  4. Anyone else calls CloseWait to stop everything and wait for it.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CloseWait sends a close signal and blocks until Done was called and
// every attached part returned. It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends the close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		if s.closeErr == nil && err != nil {
			s.closeErr = err
		}
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
		s.cancel()
	}
}

// Err returns the first SendCloseSignal error.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Context is cancelled with the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine tracked by CloseWait.
// f must return after closeSignal and call done.
// If s was closed, f will not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// AttachCtx runs a context driven part. A non-nil error other than the
// context's own cancellation closes s with that error.
func (s *SafeClose) AttachCtx(f func(ctx context.Context) error) {
	s.Attach(func(done func(), _ <-chan struct{}) {
		defer done()
		if err := f(s.ctx); err != nil && s.ctx.Err() == nil {
			s.SendCloseSignal(err)
		}
	})
}

// Done notifies CloseWait that the main goroutine is done.
// It can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
