package loader

import "fmt"

type readyEntry struct {
	priority int
	fn       func() error
}

// Ready queues fn to run once the page is loaded and the loader is complete.
// Callbacks run in ascending priority; equal priorities run in registration
// order. A callback registered while the queue drains joins the same drain.
func (l *Loader) Ready(priority int, fn func() error) error {
	i := 0
	for i < len(l.loadQ) && priority >= l.loadQ[i].priority {
		i++
	}
	l.loadQ = append(l.loadQ, readyEntry{})
	copy(l.loadQ[i+1:], l.loadQ[i:])
	l.loadQ[i] = readyEntry{priority: priority, fn: fn}
	return l.onLoad()
}

// OnReady is Ready at DefaultReadyPriority.
func (l *Loader) OnReady(fn func() error) error {
	return l.Ready(DefaultReadyPriority, fn)
}

// SignalPageLoaded marks the hosting environment loaded and drains the ready
// queue if the loader is complete.
func (l *Loader) SignalPageLoaded() error {
	l.pageLoaded = true
	return l.onLoad()
}

// PageLoaded reports whether the hosting environment is loaded.
func (l *Loader) PageLoaded() bool {
	return l.pageLoaded
}

func (l *Loader) onLoad() error {
	for l.Complete() && !l.inOnLoad && l.pageLoaded && len(l.loadQ) > 0 {
		l.inOnLoad = true
		entry := l.loadQ[0]
		l.loadQ = l.loadQ[1:]
		err := runReady(entry.fn)
		l.inOnLoad = false
		if err != nil {
			if rerr := l.fail(&Error{Kind: KindOnLoad, Err: err}, err); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}

func runReady(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ready callback panicked: %v", r)
		}
	}()
	return fn()
}
