package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/beacon/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

// Snapshot is the copied view of a session record a predicate evaluates.
type Snapshot struct {
	SessionID string
	Buffered  int
	PageViews int
	// Last is the most recently committed event, nil when none was committed.
	Last *telemetry.Event
	Age  time.Duration
}

// Predicate reports whether a flush is warranted for the snapshot.
type Predicate func(s Snapshot) bool

// Policy is a named predicate. Stop, when set, releases timers the policy owns
// and is called once the policy leaves the engine.
type Policy struct {
	Name      string
	Predicate Predicate
	Stop      func()

	// id identifies a registered instance; copies returned by List keep it.
	id uint64
}

var policyIDs atomic.Uint64

func (p Policy) withID() Policy {
	if p.id == 0 {
		p.id = policyIDs.Add(1)
	}
	return p
}

// Engine holds an ordered list of policies. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy

	fireMu sync.RWMutex
	onFire func(name string)
}

// NewEngine returns an engine holding policies in the given order.
func NewEngine(policies ...Policy) *Engine {
	e := &Engine{}
	e.Replace(policies)
	return e
}

// List returns the registered policies in evaluation order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Names returns the registered policy names in evaluation order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name
	}
	return names
}

// Replace swaps the whole list. Every previous instance that is not passed
// again is stopped, even when a new policy reuses its name.
func (e *Engine) Replace(policies []Policy) {
	next := make([]Policy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	kept := make(map[uint64]bool, len(policies))
	for _, p := range policies {
		if p.Name == "" || p.Predicate == nil || seen[p.Name] {
			log.Warn().Str("policy", p.Name).Msg("Skipping invalid or duplicate flush policy")
			continue
		}
		seen[p.Name] = true
		if p.id != 0 {
			kept[p.id] = true
		}
		next = append(next, p.withID())
	}

	e.mu.Lock()
	old := e.policies
	e.policies = next
	e.mu.Unlock()

	for _, p := range old {
		if !kept[p.id] {
			stopPolicy(p)
		}
	}
}

// Clear removes every policy.
func (e *Engine) Clear() {
	e.Replace(nil)
}

// Add appends p. A policy with the same name is replaced in place.
func (e *Engine) Add(p Policy) {
	if p.Name == "" || p.Predicate == nil {
		log.Warn().Str("policy", p.Name).Msg("Ignoring flush policy without name or predicate")
		return
	}

	e.mu.Lock()
	for i, existing := range e.policies {
		if existing.Name == p.Name {
			e.policies[i] = p.withID()
			e.mu.Unlock()
			if existing.id != p.id {
				stopPolicy(existing)
			}
			return
		}
	}
	e.policies = append(e.policies, p.withID())
	e.mu.Unlock()
}

// Update swaps the predicate of the named policy. Unknown names are ignored.
// It reports whether a policy was updated.
func (e *Engine) Update(name string, predicate Predicate) bool {
	if predicate == nil {
		return false
	}

	e.mu.Lock()
	for i, existing := range e.policies {
		if existing.Name == name {
			e.policies[i] = Policy{Name: name, Predicate: predicate}.withID()
			e.mu.Unlock()
			stopPolicy(existing)
			return true
		}
	}
	e.mu.Unlock()
	return false
}

// Evaluate runs every predicate in order and returns the names of those that
// fired. Causes are not deduplicated.
func (e *Engine) Evaluate(s Snapshot) []string {
	policies := e.List()

	var fired []string
	for _, p := range policies {
		if evaluate(p, s) {
			fired = append(fired, p.Name)
		}
	}
	return fired
}

func evaluate(p Policy, s Snapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("policy", p.Name).Interface("panic", r).Msg("Flush policy panicked")
			ok = false
		}
	}()
	return p.Predicate(s)
}

// OnFire sets the handler deferred policies call when their timer elapses.
func (e *Engine) OnFire(fn func(name string)) {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()
	e.onFire = fn
}

// Deferred returns a trigger for the named policy that reports through the
// OnFire handler.
func (e *Engine) Deferred(name string) func() {
	return func() {
		e.fireMu.RLock()
		fn := e.onFire
		e.fireMu.RUnlock()
		if fn == nil {
			return
		}
		log.Debug().Str("policy", name).Msg("Deferred flush policy fired")
		fn(name)
	}
}

// Close stops every policy and empties the engine.
func (e *Engine) Close() {
	e.Clear()
}

func stopPolicy(p Policy) {
	if p.Stop != nil {
		p.Stop()
	}
}
