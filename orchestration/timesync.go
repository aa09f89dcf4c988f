package orchestration

import "time"

// timeSync tracks the next time point of every participant that constrains
// local virtual time. It is guarded by the owning LifecycleService.
type timeSync struct {
	self     string
	peers    map[string]bool
	next     map[string]time.Duration
	released map[string]bool
}

func newTimeSync(self string, participants []string) *timeSync {
	t := &timeSync{
		self:     self,
		peers:    make(map[string]bool),
		next:     make(map[string]time.Duration),
		released: make(map[string]bool),
	}

	for _, name := range participants {
		if name != self {
			t.peers[name] = true
		}
	}

	return t
}

func (t *timeSync) update(name string, tp time.Duration) {
	if !t.peers[name] {
		return
	}

	t.next[name] = tp
	delete(t.released, name)
}

// release stops name from constraining time, until it reports again.
func (t *timeSync) release(name string) {
	if t.peers[name] {
		t.released[name] = true
	}
}

// canAdvance reports whether a step starting at now may run: every
// constraining participant must have announced a next time point no
// earlier than now.
func (t *timeSync) canAdvance(now time.Duration) bool {
	for name := range t.peers {
		if t.released[name] {
			continue
		}

		tp, ok := t.next[name]
		if !ok || tp < now {
			return false
		}
	}

	return true
}

// blockers lists the participants holding back a step at now.
func (t *timeSync) blockers(now time.Duration) []string {
	var names []string

	for name := range t.peers {
		if t.released[name] {
			continue
		}

		if tp, ok := t.next[name]; !ok || tp < now {
			names = append(names, name)
		}
	}

	return names
}
