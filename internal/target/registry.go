// Package target tracks the browser's targets and decides which of them get
// an isolated world.
//
// The Registry is fed by lifecycle events (created, info-changed, destroyed,
// detached) and by the outcome of attach attempts. It never talks to the
// browser itself; callers act on the Decision values it returns.
package target

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/logging"
)

// State is a target's position in the attach lifecycle.
type State int

const (
	StateUnknown State = iota
	StateDiscovered
	StateAttaching
	StateAttached
	// StateChanged is an attached target whose replacement attach is in
	// flight. It still counts as attached.
	StateChanged
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateChanged:
		return "changed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Info mirrors the debugger protocol's Target.TargetInfo.
type Info struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
	OpenerID string `json:"openerId,omitempty"`
}

// AttachedTarget is a fully provisioned isolated world.
type AttachedTarget struct {
	TargetID           string `json:"targetId"`
	SessionID          string `json:"sessionId"`
	ExecutionContextID int64  `json:"executionContextId"`
}

// Decision is the registry's answer to an observed target.
type Decision struct {
	// Attach is set when the caller must start an attach attempt and report
	// its outcome with Generation.
	Attach     bool
	Generation uint64
	Eligible   bool
	Reason     string
}

// Snapshot is a point-in-time view of one target.
type Snapshot struct {
	Info      Info            `json:"info"`
	State     string          `json:"state"`
	Eligible  bool            `json:"eligible"`
	Attached  *AttachedTarget `json:"attached,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

type entry struct {
	info     Info
	state    State
	eligible bool
	reason   string
	attached *AttachedTarget

	// gen identifies the attempt in flight; attaching is false between
	// attempts.
	gen       uint64
	attaching bool

	// dirty records an info change seen while an attempt was in flight.
	dirty   bool
	lastErr error
}

// Registry is the set of known targets. It is safe for concurrent use.
type Registry struct {
	filter Filter
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	sessions map[string]string
	nextGen  uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry applying filter.
func NewRegistry(filter Filter, opts ...RegistryOption) *Registry {
	r := &Registry{
		filter:   filter,
		entries:  make(map[string]*entry),
		sessions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Observe records a created target, or one listed by the catch-up scan, and
// re-applies the filter.
//
// An eligible target that is not attached, or whose URL changed since it was
// attached, gets a new attempt. A repeated announcement of an attached target
// with the same URL is a no-op. A target that becomes ineligible while
// attached stays attached until it is destroyed.
func (r *Registry) Observe(info Info) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.entries[info.TargetID]
	return r.observeLocked(e, known, info, known && e.info.URL != info.URL)
}

// ObserveChange records an info-changed event. Any navigation, including a
// reload to the same URL, discards the target's isolated worlds, so an
// attached target always gets a fresh attempt. The one exception is a change
// that only flips the attached flag, which the browser reports for our own
// attach and detach calls.
func (r *Registry) ObserveChange(info Info) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.entries[info.TargetID]
	return r.observeLocked(e, known, info, !known || !onlyAttachedFlag(e.info, info))
}

func (r *Registry) observeLocked(e *entry, known bool, info Info, changed bool) Decision {
	if !known {
		e = &entry{state: StateDiscovered}
		r.entries[info.TargetID] = e
	}
	e.info = info

	var openerURL string
	if info.OpenerID != "" {
		if opener, ok := r.entries[info.OpenerID]; ok {
			openerURL = opener.info.URL
		}
	}
	e.eligible, e.reason = r.filter.Check(info, openerURL)

	d := Decision{Eligible: e.eligible, Reason: e.reason}
	if !e.eligible {
		if e.attached != nil {
			r.logger.Info("attached target is no longer eligible; keeping it until destroyed",
				zap.String("target", info.TargetID), zap.String("url", info.URL), zap.String("reason", e.reason))
		}
		return d
	}

	if e.attaching {
		if changed {
			e.dirty = true
		}
		return d
	}
	if e.attached != nil && !changed {
		return d
	}
	return r.beginLocked(e, d)
}

// onlyAttachedFlag reports whether next differs from prev in the attached
// flag alone.
func onlyAttachedFlag(prev, next Info) bool {
	if prev.Attached == next.Attached {
		return false
	}
	prev.Attached = next.Attached
	return prev == next
}

// Reconsider starts a follow-up attempt for a target whose info changed while
// its previous attempt was in flight. Call it after Complete or Fail.
func (r *Registry) Reconsider(targetID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[targetID]
	if !ok || e.attaching || !e.dirty {
		return Decision{}
	}
	e.dirty = false
	d := Decision{Eligible: e.eligible, Reason: e.reason}
	if !e.eligible {
		return d
	}
	return r.beginLocked(e, d)
}

func (r *Registry) beginLocked(e *entry, d Decision) Decision {
	r.nextGen++
	e.gen = r.nextGen
	e.attaching = true
	e.dirty = false
	if e.attached != nil {
		e.state = StateChanged
	} else {
		e.state = StateAttaching
	}
	d.Attach = true
	d.Generation = e.gen
	return d
}

// Complete records a successful attempt. It returns the attachment that was
// replaced, if any. ok is false when the attempt is stale (the target was
// destroyed or a newer attempt started); the caller then owns the new session
// and should detach it.
func (r *Registry) Complete(targetID string, gen uint64, at AttachedTarget) (previous *AttachedTarget, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[targetID]
	if !found || !e.attaching || e.gen != gen {
		return nil, false
	}

	previous = e.attached
	if previous != nil {
		delete(r.sessions, previous.SessionID)
	}
	at.TargetID = targetID
	e.attached = &at
	e.attaching = false
	e.state = StateAttached
	e.lastErr = nil
	r.sessions[at.SessionID] = targetID
	return previous, true
}

// Fail records a failed attempt. The target is left unattached; an attachment
// being replaced is dropped and returned so the caller can detach it.
func (r *Registry) Fail(targetID string, gen uint64, err error) (previous *AttachedTarget, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[targetID]
	if !found || !e.attaching || e.gen != gen {
		return nil, false
	}

	previous = e.attached
	if previous != nil {
		delete(r.sessions, previous.SessionID)
	}
	e.attached = nil
	e.attaching = false
	e.state = StateDiscovered
	e.lastErr = err
	return previous, true
}

// Destroy forgets a target. It returns the attachment it had, if any.
func (r *Registry) Destroy(targetID string) (*AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[targetID]
	if !ok {
		return nil, false
	}
	delete(r.entries, targetID)
	e.state = StateDestroyed
	e.attaching = false
	if e.attached != nil {
		delete(r.sessions, e.attached.SessionID)
	}
	return e.attached, e.attached != nil
}

// DetachSession handles the browser dropping a session. When it is the
// current session of a target, that target returns to discovered and the
// lost attachment is returned.
func (r *Registry) DetachSession(sessionID string) (*AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)
	e := r.entries[targetID]
	if e == nil || e.attached == nil || e.attached.SessionID != sessionID {
		return nil, false
	}
	lost := e.attached
	e.attached = nil
	if !e.attaching {
		e.state = StateDiscovered
	} else {
		e.state = StateAttaching
	}
	return lost, true
}

// Attached returns the attachment for targetID.
func (r *Registry) Attached(targetID string) (AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[targetID]
	if !ok || e.attached == nil {
		return AttachedTarget{}, false
	}
	return *e.attached, true
}

// BySession returns the attachment that owns sessionID.
func (r *Registry) BySession(sessionID string) (AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID, ok := r.sessions[sessionID]
	if !ok {
		return AttachedTarget{}, false
	}
	e := r.entries[targetID]
	if e == nil || e.attached == nil {
		return AttachedTarget{}, false
	}
	return *e.attached, true
}

// State returns the lifecycle state of targetID. Destroyed targets are
// forgotten and report StateUnknown.
func (r *Registry) State(targetID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[targetID]; ok {
		return e.state
	}
	return StateUnknown
}

// AttachedCount returns the number of targets in the attached set, including
// those being re-attached.
func (r *Registry) AttachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.attached != nil {
			n++
		}
	}
	return n
}

// List returns every known target ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		s := Snapshot{
			Info:     e.info,
			State:    e.state.String(),
			Eligible: e.eligible,
		}
		if e.attached != nil {
			at := *e.attached
			s.Attached = &at
		}
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info.TargetID < out[j].Info.TargetID
	})
	return out
}
