package consistency

import (
	"fmt"
	"sort"

	"github.com/rcliao/story-memory/internal/model"
)

// Issue is a structural problem found in the current state.
type Issue struct {
	CardID      string         `json:"card_id,omitempty"`
	FragmentID  string         `json:"fragment_id,omitempty"`
	Attribute   string         `json:"attribute,omitempty"`
	Description string         `json:"description"`
	Severity    model.Severity `json:"severity"`
}

// Report is the result of a full audit.
type Report struct {
	Unresolved       []model.Contradiction `json:"unresolved"`
	Issues           []Issue               `json:"issues"`
	CardsChecked     int                   `json:"cards_checked"`
	FragmentsChecked int                   `json:"fragments_checked"`
}

// Clean reports whether nothing needs attention.
func (r Report) Clean() bool {
	return len(r.Unresolved) == 0 && len(r.Issues) == 0
}

// Audit checks the whole card set and fragment metadata against the schema and
// collects every unresolved contradiction. It applies nothing.
func Audit(schema model.Schema, cards []model.Card, fragments []model.Fragment, ledger *Ledger) Report {
	byID := make(map[string]model.Card, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	r := Report{
		Unresolved:       ledger.Open(),
		Issues:           []Issue{},
		CardsChecked:     len(cards),
		FragmentsChecked: len(fragments),
	}

	sorted := append([]model.Card(nil), cards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, c := range sorted {
		for _, name := range c.AttributeNames() {
			v := c.Attributes[name]
			if err := schema.CheckValue(c.Kind, name, v); err != nil {
				r.Issues = append(r.Issues, Issue{CardID: c.ID, Attribute: name, Description: err.Error(), Severity: model.SeverityMedium})
			}
			if v.Type != model.TypeRef {
				continue
			}
			target, ok := byID[v.Str]
			if !ok {
				r.Issues = append(r.Issues, Issue{
					CardID: c.ID, Attribute: name, Severity: model.SeverityHigh,
					Description: "dangling reference to " + v.Str,
				})
				continue
			}
			if want := schema.Spec(c.Kind, name).RefKind; want != "" && target.Kind != want {
				r.Issues = append(r.Issues, Issue{
					CardID: c.ID, Attribute: name, Severity: model.SeverityMedium,
					Description: fmt.Sprintf("references %s %s, expected a %s", target.Kind, target.ID, want),
				})
			}
		}
		if c.Kind == model.KindRelationship {
			for _, end := range []string{"source", "target"} {
				if _, ok := c.Attributes[end]; !ok {
					r.Issues = append(r.Issues, Issue{
						CardID: c.ID, Attribute: end, Severity: model.SeverityMedium,
						Description: "relationship has no " + end,
					})
				}
			}
		}
	}

	for _, f := range fragments {
		for _, id := range f.CardIDs {
			if _, ok := byID[id]; !ok {
				r.Issues = append(r.Issues, Issue{
					FragmentID: f.ID, CardID: id, Severity: model.SeverityLow,
					Description: "fragment references unknown card " + id,
				})
			}
		}
	}
	return r
}
