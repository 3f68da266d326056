package shutdown

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/flanksource/commons/logger"
)

// Hooks run lowest priority first: stop accepting work, stop the workers
// writing to the cache, then touch the database once nobody else is.
const (
	PriorityIngress  = 0
	PriorityDefault  = 100
	PriorityWorkers  = 200
	PriorityDatabase = 300
	PriorityCritical = 400
)

type Hook struct {
	label    string
	priority int
	seq      int
	fn       func()
	index    int // for heap interface
}

type HookHeap []*Hook

func (h HookHeap) Len() int { return len(h) }
func (h HookHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h HookHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *HookHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Hook)
	item.index = n
	*h = append(*h, item)
}

func (h *HookHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

var (
	hooks    HookHeap
	hooksMux sync.Mutex
	seq      int
)

// AddHook registers a shutdown hook with default priority
func AddHook(label string, fn func()) {
	AddHookWithPriority(label, PriorityDefault, fn)
}

// AddHookWithPriority registers a shutdown hook with specific priority.
// Hooks of equal priority run in registration order.
func AddHookWithPriority(label string, priority int, fn func()) {
	hooksMux.Lock()
	defer hooksMux.Unlock()

	seq++
	heap.Push(&hooks, &Hook{
		label:    label,
		priority: priority,
		seq:      seq,
		fn:       fn,
	})
}

// Pending returns the number of registered hooks that have not run yet
func Pending() int {
	hooksMux.Lock()
	defer hooksMux.Unlock()
	return hooks.Len()
}

// Shutdown executes all registered hooks in priority order and returns how
// many ran. A panicking hook is logged and does not stop the others. Hooks
// are consumed, so a second call only runs hooks added since.
func Shutdown() int {
	hooksMux.Lock()
	pending := hooks
	hooks = nil
	hooksMux.Unlock()

	if len(pending) == 0 {
		return 0
	}

	logger.Infof("Executing %d shutdown hooks", len(pending))

	ran := 0
	for pending.Len() > 0 {
		hook := heap.Pop(&pending).(*Hook)
		logger.Debugf("Executing shutdown hook: %s (priority=%d)", hook.label, hook.priority)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Panic in shutdown hook %s: %v", hook.label, r)
				}
			}()
			hook.fn()
		}()
		ran++
	}

	logger.Infof("All shutdown hooks executed")
	return ran
}

// OnSignal returns a context that is cancelled on the first SIGINT or
// SIGTERM. A second signal exits the process immediately. The returned stop
// function releases the signal handler.
func OnSignal(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived %s, shutting down workers. Press Ctrl+C again to force exit\n", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigChan:
			fmt.Fprintf(os.Stderr, "\nForce exit\n")
			os.Exit(1)
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
			cancel()
		})
	}
}
