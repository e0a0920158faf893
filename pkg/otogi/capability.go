package otogi

import "slices"

// Capability is one declared ability of a module. The kernel checks that
// RequiredServices resolve at registration and that every subscription the
// module opens stays inside Interest.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet selects events. Empty Kinds or Platforms match everything.
type InterestSet struct {
	Kinds     []EventKind
	Platforms []Platform
	// RequireText rejects message events with an empty body.
	RequireText bool
}

// Matches reports whether event falls inside the set.
func (i InterestSet) Matches(event *Event) bool {
	switch {
	case event == nil:
		return false
	case len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind):
		return false
	case len(i.Platforms) > 0 && !slices.Contains(i.Platforms, event.Platform):
		return false
	case i.RequireText:
		return event.Message != nil && event.Message.Text != ""
	default:
		return true
	}
}

// Allows reports whether filter selects no event outside i.
func (i InterestSet) Allows(filter InterestSet) bool {
	return narrows(i.Kinds, filter.Kinds) &&
		narrows(i.Platforms, filter.Platforms) &&
		(!i.RequireText || filter.RequireText)
}

// Clone returns a copy that shares no slices with i.
func (i InterestSet) Clone() InterestSet {
	i.Kinds = slices.Clone(i.Kinds)
	i.Platforms = slices.Clone(i.Platforms)
	return i
}

// narrows reports whether requested is confined to allowed. An empty allowed
// list is unrestricted; an empty requested list asks for everything.
func narrows[T comparable](allowed, requested []T) bool {
	if len(allowed) == 0 {
		return true
	}
	if len(requested) == 0 {
		return false
	}
	for _, item := range requested {
		if !slices.Contains(allowed, item) {
			return false
		}
	}

	return true
}
