package pgee

// registry tracks the channels currently subscribed on the database session,
// in subscription order, plus markers for commands that have been issued but
// not yet settled. All access happens under the emitter mutex; nothing here
// locks.
type registry struct {
	channels []string
	inflight map[string]*pending
}

type pendingOp int

const (
	opListen pendingOp = iota
	opUnlisten
)

// pending marks an in-flight LISTEN or UNLISTEN. Later requests for the same
// channel and operation wait on done instead of issuing a duplicate command;
// err holds the settled outcome.
type pending struct {
	op   pendingOp
	err  error
	done chan struct{}
}

func newRegistry() *registry {
	return &registry{inflight: make(map[string]*pending)}
}

func (r *registry) contains(name string) bool {
	for _, c := range r.channels {
		if c == name {
			return true
		}
	}
	return false
}

// add appends name to the registry. No-op if already present, which is what
// lets two racing subscribes both apply their results safely.
func (r *registry) add(name string) {
	if r.contains(name) {
		return
	}
	r.channels = append(r.channels, name)
}

func (r *registry) remove(name string) {
	for i, c := range r.channels {
		if c == name {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			return
		}
	}
}

func (r *registry) clear() {
	r.channels = nil
	r.inflight = make(map[string]*pending)
}

// names returns a snapshot of the subscribed channels.
func (r *registry) names() []string {
	out := make([]string, len(r.channels))
	copy(out, r.channels)
	return out
}

// waiting reports the in-flight marker for name if one exists for the given
// operation.
func (r *registry) waiting(name string, op pendingOp) (*pending, bool) {
	p, ok := r.inflight[name]
	if !ok || p.op != op {
		return nil, false
	}
	return p, true
}

// begin records that a command for name has been issued.
func (r *registry) begin(name string, op pendingOp) *pending {
	p := &pending{op: op, done: make(chan struct{})}
	r.inflight[name] = p
	return p
}

// settle drops the in-flight marker. The caller closes p.done after
// releasing the emitter mutex.
func (r *registry) settle(name string) {
	delete(r.inflight, name)
}
