// Package notify decides which observed items deserve a push message and
// composes those messages.
package notify

import (
	"bb-watcher/pkg/watcher"
	"fmt"
	"sort"
	"strings"
)

// Action is the outcome of a decision.
type Action int

// Decision outcomes.
const (
	// Suppress: the notified state is current, nothing to do.
	Suppress Action = iota
	// NotifyNew: the identity was never notified.
	NotifyNew
	// NotifyUpdate: the state advanced in a notification-worthy way.
	NotifyUpdate
	// Acknowledge: the state advanced but the policy stays silent; record
	// the new state as seen so it does not come back every run.
	Acknowledge
)

func (a Action) String() string {
	switch a {
	case Suppress:
		return "suppress"
	case NotifyNew:
		return "notify_new"
	case NotifyUpdate:
		return "notify_update"
	case Acknowledge:
		return "acknowledge"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is what to do with one item. Message is set for the notify actions.
type Decision struct {
	Action  Action
	Message *Message
}

// Policy selects the sources whose updates produce messages. Updates of
// other sources are acknowledged silently.
type Policy struct {
	updates map[watcher.Source]bool
}

// DefaultUpdateSources are the sources whose updates notify by default.
var DefaultUpdateSources = []watcher.Source{watcher.SourceAssignment, watcher.SourceGradeItem}

// NewPolicy builds a policy notifying updates of the given sources.
func NewPolicy(updateSources []watcher.Source) Policy {
	p := Policy{updates: make(map[watcher.Source]bool, len(updateSources))}
	for _, src := range updateSources {
		p.updates[src] = true
	}
	return p
}

// DefaultPolicy notifies assignment and grade item updates only.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultUpdateSources)
}

// NotifiesUpdates reports whether updates of src produce messages.
func (p Policy) NotifiesUpdates(src watcher.Source) bool {
	return p.updates[src]
}

// Decide compares an observed item with its stored record. rec may be nil
// for an identity the store has never seen. The comparison is against
// sent_state_fp, the last state the user was told about.
func (p Policy) Decide(it *watcher.Item, rec *watcher.Record) Decision {
	if rec == nil || strings.TrimSpace(rec.SentStateFP) == "" {
		msg := NewItemMessage(it)
		return Decision{Action: NotifyNew, Message: &msg}
	}
	if rec.SentStateFP == watcher.StateFP(it) {
		return Decision{Action: Suppress}
	}
	if !p.NotifiesUpdates(it.Source) {
		return Decision{Action: Acknowledge}
	}

	old, err := rec.NotifiedDetails()
	if err != nil || old == nil || old.Source() != it.Source {
		old, _ = watcher.DecodeDetails(it.Source, nil)
	}
	msg := UpdateMessage(it, old)
	if msg == nil {
		return Decision{Action: Acknowledge}
	}
	return Decision{Action: NotifyUpdate, Message: msg}
}

// Tier orders pending messages; lower tiers are delivered first.
type Tier int

// Delivery tiers.
const (
	TierNew Tier = iota
	TierUpdated
)

// Pending is a message waiting for delivery along with the state it reports.
type Pending struct {
	FP      string  `json:"fp"`
	StateFP string  `json:"state_fp"`
	Tier    Tier    `json:"tier"`
	Message Message `json:"message"`
}

// Pair returns the (identity, state) pair to record once delivered.
func (p Pending) Pair() watcher.StatePair {
	return watcher.StatePair{FP: p.FP, StateFP: p.StateFP}
}

// Prioritize orders pending messages by tier then identity fingerprint and
// keeps the first limit of them. limit <= 0 keeps all.
func Prioritize(pending []Pending, limit int) []Pending {
	out := append([]Pending(nil), pending...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].FP < out[j].FP
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
