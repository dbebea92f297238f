package setup

import "sync"

// Disposer releases background resources held by a reconcile call.
// Every Disposer in this package is safe to call more than once.
type Disposer interface {
	Dispose()
}

// DisposerFunc adapts a plain function to Disposer.
type DisposerFunc func()

func (f DisposerFunc) Dispose() {
	if f != nil {
		f()
	}
}

// NopDisposer returns a Disposer that does nothing.
func NopDisposer() Disposer {
	return DisposerFunc(nil)
}

type compositeDisposer struct {
	once     sync.Once
	children []Disposer
}

// JoinDisposers aggregates children into one Disposer that disposes
// each child exactly once, in registration order. Nil children are
// skipped.
func JoinDisposers(children ...Disposer) Disposer {
	kept := make([]Disposer, 0, len(children))
	for _, child := range children {
		if child != nil {
			kept = append(kept, child)
		}
	}
	return &compositeDisposer{children: kept}
}

func (c *compositeDisposer) Dispose() {
	c.once.Do(func() {
		for _, child := range c.children {
			child.Dispose()
		}
	})
}
