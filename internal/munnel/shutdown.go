package munnel

import "sync"

// OnceShutdownHandler is implemented by an object managed by a ShutdownHelper.
// HandleOnceShutdown is invoked exactly once, in its own goroutine, to
// perform the object's actual teardown.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// ShutdownHelper coordinates a single graceful shutdown across a tree of
// components: the Server's drain-then-close, each AgentSession's teardown
// that cancels its pending requests, and the Agent's reconnect supervisor.
// It guarantees HandleOnceShutdown runs exactly once no matter how many
// goroutines call StartShutdown concurrently (SIGINT, a dead control
// channel, and a failed Accept can all race to shut the same object down).
type ShutdownHelper struct {
	mu              sync.Mutex
	handler         OnceShutdownHandler
	startedShutdown bool
	doneShutdown    bool
	err             error
	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}
	wg              sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place. Must be called
// before any other method.
func (h *ShutdownHelper) InitShutdownHelper(handler OnceShutdownHandler) {
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// IsStartedShutdown reports whether StartShutdown has been called.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedShutdown
}

// ShutdownStartedChan is closed as soon as shutdown begins.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownDoneChan is closed once shutdown, and every child added via
// AddShutdownChild, has completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// StartShutdown schedules asynchronous shutdown with an advisory completion
// error. Only the first call has any effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.startedShutdown {
		h.mu.Unlock()
		return
	}
	h.startedShutdown = true
	h.err = completionErr
	h.mu.Unlock()

	close(h.startedChan)
	go func() {
		finalErr := h.handler.HandleOnceShutdown(completionErr)
		h.mu.Lock()
		h.err = finalErr
		h.mu.Unlock()
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.mu.Lock()
		h.doneShutdown = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// Shutdown initiates shutdown (if not already started) and blocks until it
// completes, returning the final completion error.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion error, without itself initiating shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// AddShutdownChild registers a child whose own shutdown must complete
// before this helper's ShutdownDoneChan closes, kicking off the child's
// shutdown once this object's HandleOnceShutdown has returned.
func (h *ShutdownHelper) AddShutdownChild(child *ShutdownHelper) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		<-h.handlerDoneChan
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		child.Shutdown(err)
	}()
}
