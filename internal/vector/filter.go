package vector

import "github.com/rcliao/story-memory/internal/model"

// Referencing admits fragments that reference any of the given cards.
func Referencing(cardIDs ...string) Filter {
	return func(f model.Fragment) bool {
		for _, id := range cardIDs {
			if f.References(id) {
				return true
			}
		}
		return false
	}
}

// TurnBetween admits fragments with min <= turn <= max.
func TurnBetween(min, max int64) Filter {
	return func(f model.Fragment) bool {
		return f.TurnID >= min && f.TurnID <= max
	}
}

// FromSource admits fragments from one source (turn or lore).
func FromSource(source string) Filter {
	return func(f model.Fragment) bool { return f.Source == source }
}

// All admits fragments every non-nil filter admits.
func All(filters ...Filter) Filter {
	return func(f model.Fragment) bool {
		for _, fl := range filters {
			if fl != nil && !fl(f) {
				return false
			}
		}
		return true
	}
}
