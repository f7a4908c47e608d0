package tasks

import (
	"fmt"
	"strings"

	"github.com/matheus3301/todosync/internal/store"
)

// Filter selects which tasks a view shows.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterCompleted Filter = "completed"
)

// ParseFilter accepts a filter name in any case.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case FilterAll, FilterPending, FilterCompleted:
		return f, nil
	case "":
		return FilterAll, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Project returns the tasks the filter selects, keeping the cache order
// (newest first). A completed task without its note counts as pending.
func Project(all []store.Task, f Filter) []store.Task {
	out := make([]store.Task, 0, len(all))
	for _, t := range all {
		switch f {
		case FilterPending:
			if t.Done() {
				continue
			}
		case FilterCompleted:
			if !t.Done() {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// Counts are aggregate task totals. They are always computed from the
// unfiltered list.
type Counts struct {
	Total     int
	Pending   int
	Completed int
}

// Count tallies tasks by the same rule Project filters with.
func Count(all []store.Task) Counts {
	c := Counts{Total: len(all)}
	for _, t := range all {
		if t.Done() {
			c.Completed++
		} else {
			c.Pending++
		}
	}
	return c
}

// Item is one projected task with its client state.
type Item struct {
	Task        store.Task
	State       State
	Interactive bool
	Unconfirmed bool
	Err         string
}

// View is the task panel of the open chat.
type View struct {
	Filter Filter
	Items  []Item
	Counts Counts
}

// View projects the cached tasks through the filter and decorates them with
// the machine's client state. A task's checkbox is interactive while it is
// pending and no other task awaits confirmation.
func (m *Machine) View(all []store.Task, f Filter) View {
	projected := Project(all, f)
	v := View{Filter: f, Counts: Count(all), Items: make([]Item, 0, len(projected))}
	for _, t := range projected {
		st := m.StateOf(t)
		v.Items = append(v.Items, Item{
			Task:        t,
			State:       st,
			Interactive: st == Pending && m.awaiting == 0 && !m.confirming,
			Unconfirmed: m.Unconfirmed(t),
			Err:         m.errs[t.ID],
		})
	}
	return v
}
