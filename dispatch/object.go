package dispatch

import "sync"

// Reply delivers the outcome of a method call. Pass a nil error on success.
// No results sends null, one result sends that value, several are sent as
// an array. Only the first call counts.
type Reply func(err error, results ...any)

// Method is one exposed operation. args are the decoded JSON arguments in
// call order. A method may reply from any goroutine, at any later time.
type Method func(args []any, reply Reply)

// Target resolves method names to implementations.
type Target interface {
	Method(name string) (Method, bool)
}

// Observable is a target that emits named events.
// On returns a function that removes the handler.
type Observable interface {
	On(event string, handler func(args ...any)) (off func())
}

// Sync adapts a plain function to a Method that replies immediately.
func Sync(fn func(args []any) (any, error)) Method {
	return func(args []any, reply Reply) {
		result, err := fn(args)
		if err != nil {
			reply(err)
			return
		}
		reply(nil, result)
	}
}

type listener struct {
	id uint64
	fn func(args ...any)
}

// Object is a ready-made Target and Observable for hosts that don't have
// their own types to expose.
type Object struct {
	mu        sync.RWMutex
	methods   map[string]Method
	listeners map[string][]listener
	nextID    uint64
}

// NewObject creates an object with no methods.
func NewObject() *Object {
	return &Object{
		methods:   make(map[string]Method),
		listeners: make(map[string][]listener),
	}
}

// Handle registers m under name, replacing any previous method.
func (o *Object) Handle(name string, m Method) *Object {
	o.mu.Lock()
	o.methods[name] = m
	o.mu.Unlock()
	return o
}

// Method implements Target.
func (o *Object) Method(name string) (Method, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.methods[name]
	return m, ok
}

// On implements Observable.
func (o *Object) On(event string, handler func(args ...any)) (off func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners[event] = append(o.listeners[event], listener{id: id, fn: handler})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		ls := o.listeners[event]
		for i, l := range ls {
			if l.id == id {
				next := make([]listener, 0, len(ls)-1)
				next = append(next, ls[:i]...)
				o.listeners[event] = append(next, ls[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every handler of event synchronously, in registration order.
func (o *Object) Emit(event string, args ...any) {
	o.mu.RLock()
	ls := o.listeners[event]
	o.mu.RUnlock()

	for _, l := range ls {
		l.fn(args...)
	}
}

// ListenerCount returns how many handlers are attached to event.
func (o *Object) ListenerCount(event string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners[event])
}
