// Package registry is the per-element censorship state machine.
//
// Each element moves unset → censoring → censored, or into the absorbing
// excluded state. The registry is the source of truth; the censor-*
// attributes on the node are a projection written on every transition, and
// are read back only to hydrate nodes the registry has not seen under their
// current key (re-rendered or replaced elements).
//
// A Registry is owned by one engine loop and is not safe for concurrent use.
package registry

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/hazyhaar/purifier/purifier/dom"
)

// Kind selects which state slot of an element is addressed. Images track
// their src in censor-state; every other element tracks its background in
// censor-style.
type Kind int

const (
	KindImage Kind = iota
	KindStyle
)

// KindOf returns the slot used for n.
func KindOf(n dom.Node) Kind {
	if n.Tag() == "IMG" {
		return KindImage
	}
	return KindStyle
}

func (k Kind) attr() string {
	if k == KindImage {
		return dom.AttrState
	}
	return dom.AttrStyle
}

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "style"
}

// State is the lifecycle state of one slot.
type State int

const (
	Unset State = iota
	Censoring
	Censored
	Excluded
)

func (s State) String() string {
	switch s {
	case Censoring:
		return "censoring"
	case Censored:
		return "censored"
	case Excluded:
		return "excluded"
	}
	return ""
}

// ParseState reads a persisted attribute value. Unknown values are Unset.
func ParseState(s string) State {
	switch s {
	case "censoring":
		return Censoring
	case "censored":
		return Censored
	case "excluded":
		return Excluded
	}
	return Unset
}

// Slot is the state of one kind on an element. Assigned is the src (or
// background url) the engine last put on the element, empty until the
// placeholder swap.
type Slot struct {
	State    State
	Assigned string
}

// Entry is the registry record of one element.
type Entry struct {
	ID        string
	SourceURL string
	Reasons   []string
	slots     [2]Slot
}

// Slot returns the state of kind k.
func (e *Entry) Slot(k Kind) Slot { return e.slots[k] }

// Registry is an arena of entries keyed by node key and by censor-id.
type Registry struct {
	newID func() string
	byKey map[string]*Entry
	byID  map[string]*Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides the id generator. Default: UUIDv7.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		byKey: make(map[string]*Entry),
		byID:  make(map[string]*Entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Len returns the number of tracked elements.
func (r *Registry) Len() int { return len(r.byKey) }

// Get returns the entry for a censor-id.
func (r *Registry) Get(id string) (*Entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// Lookup returns the entry of n, hydrating it from the persisted attributes
// when the node carries a censor-id the registry has not seen under this key.
func (r *Registry) Lookup(n dom.Node) (*Entry, bool) {
	if e, ok := r.byKey[n.Key()]; ok {
		return e, true
	}
	id, ok := n.Attr(dom.AttrID)
	if !ok || id == "" {
		return nil, false
	}
	if e, ok := r.byID[id]; ok {
		r.byKey[n.Key()] = e
		return e, true
	}

	e := &Entry{ID: id}
	e.SourceURL, _ = n.Attr(dom.AttrSrc)
	if v, ok := n.Attr(dom.AttrState); ok {
		e.slots[KindImage].State = ParseState(v)
	}
	if v, ok := n.Attr(dom.AttrStyle); ok {
		e.slots[KindStyle].State = ParseState(v)
	}
	if v, ok := n.Attr(dom.AttrExclusion); ok {
		e.Reasons = strings.Fields(v)
	}
	r.byKey[n.Key()] = e
	r.byID[id] = e
	return e, true
}

// IsUnsafe reports whether n is eligible for (re)processing for kind k: its
// state is not censoring, censored or excluded, or the engine assigned it a
// source that is no longer the one it renders (external code reset it).
func (r *Registry) IsUnsafe(n dom.Node, k Kind) bool {
	e, ok := r.Lookup(n)
	if !ok {
		return true
	}
	s := e.slots[k]
	switch s.State {
	case Censoring, Censored, Excluded:
	default:
		return true
	}
	if s.Assigned == "" {
		return false
	}
	return !rendering(n, k, s.Assigned)
}

func rendering(n dom.Node, k Kind, src string) bool {
	if k == KindImage {
		cur, _ := n.Attr("src")
		return cur == src
	}
	return strings.Contains(n.Style("background-image"), src)
}

// State returns the current state of kind k on n.
func (r *Registry) State(n dom.Node, k Kind) State {
	e, ok := r.Lookup(n)
	if !ok {
		return Unset
	}
	return e.slots[k].State
}

// Ensure assigns n a stable censor-id, once.
func (r *Registry) Ensure(n dom.Node) *Entry {
	e := r.entry(n)
	if e.ID == "" {
		e.ID = r.newID()
		r.byID[e.ID] = e
	}
	n.SetAttr(dom.AttrID, e.ID)
	return e
}

// SetSource records the source URL of n. Only the first capture is kept so
// a placeholder or result src is never mistaken for the original.
func (r *Registry) SetSource(n dom.Node, url string) {
	e := r.entry(n)
	if e.SourceURL == "" {
		e.SourceURL = url
	}
	n.SetAttr(dom.AttrSrc, e.SourceURL)
}

// Source returns the recorded source URL of n.
func (r *Registry) Source(n dom.Node) (string, bool) {
	e, ok := r.Lookup(n)
	if !ok || e.SourceURL == "" {
		return "", false
	}
	return e.SourceURL, true
}

// Begin moves kind k of n to censoring. The previous assignment is dropped:
// until the placeholder swap the element still renders its original.
func (r *Registry) Begin(n dom.Node, k Kind) {
	e := r.entry(n)
	e.slots[k].Assigned = ""
	r.transition(n, e, k, Censoring)
}

// Assign records the source the engine just put on n.
func (r *Registry) Assign(n dom.Node, k Kind, src string) {
	r.entry(n).slots[k].Assigned = src
}

// Complete moves kind k of n to censored with the final source.
func (r *Registry) Complete(n dom.Node, k Kind, src string) {
	e := r.entry(n)
	e.slots[k].Assigned = src
	r.transition(n, e, k, Censored)
}

// Exclude moves kind k of n to excluded and adds reason to the element's
// reason set. Reasons accumulate across calls and are never duplicated.
func (r *Registry) Exclude(n dom.Node, k Kind, reason string) {
	e := r.entry(n)
	r.transition(n, e, k, Excluded)
	if reason == "" || slices.Contains(e.Reasons, reason) {
		if len(e.Reasons) > 0 {
			n.SetAttr(dom.AttrExclusion, strings.Join(e.Reasons, " "))
		}
		return
	}
	e.Reasons = append(e.Reasons, reason)
	n.SetAttr(dom.AttrExclusion, strings.Join(e.Reasons, " "))
}

// Reasons returns the exclusion reasons of n.
func (r *Registry) Reasons(n dom.Node) []string {
	e, ok := r.Lookup(n)
	if !ok {
		return nil
	}
	return slices.Clone(e.Reasons)
}

func (r *Registry) entry(n dom.Node) *Entry {
	if e, ok := r.Lookup(n); ok {
		return e
	}
	e := &Entry{}
	r.byKey[n.Key()] = e
	return e
}

func (r *Registry) transition(n dom.Node, e *Entry, k Kind, s State) {
	e.slots[k].State = s
	if s == Unset {
		n.RemoveAttr(k.attr())
		return
	}
	n.SetAttr(k.attr(), s.String())
}
