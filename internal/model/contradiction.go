package model

// Resolution is the outcome tier applied to a contradiction.
type Resolution string

const (
	AutoAccepted     Resolution = "auto-accepted"
	AutoRejected     Resolution = "auto-rejected"
	Merged           Resolution = "merged"
	FlaggedForReview Resolution = "flagged-for-review"
)

// Severity ranks how alarming a contradiction is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Choice is how a contradiction was settled after the fact.
type Choice string

const (
	ChoiceKeep      Choice = "keep"
	ChoiceAccept    Choice = "accept"
	ChoiceMerge     Choice = "merge"
	ChoiceSuppress  Choice = "suppress"
	ChoiceSupersede Choice = "supersede"
)

// ValidChoices are the choices accepted from callers. Supersede is only
// applied by the orchestrator itself.
var ValidChoices = map[Choice]bool{
	ChoiceKeep:     true,
	ChoiceAccept:   true,
	ChoiceMerge:    true,
	ChoiceSuppress: true,
}

// Settlement records how and when a contradiction was resolved.
type Settlement struct {
	Turn   int64  `json:"turn"`
	Choice Choice `json:"choice"`
	Value  *Value `json:"value,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Contradiction describes a conflict between a claim and existing state, and
// its resolution.
type Contradiction struct {
	ID         string      `json:"id"`
	ClaimText  string      `json:"claim_text"`
	CardID     string      `json:"conflicting_card_id,omitempty"`
	FragmentID string      `json:"conflicting_fragment_id,omitempty"`
	Attribute  string      `json:"attribute,omitempty"`
	OldValue   *Value      `json:"old_value,omitempty"`
	NewValue   *Value      `json:"new_value,omitempty"`
	Resolution Resolution  `json:"resolution"`
	Severity   Severity    `json:"severity"`
	TurnID     int64       `json:"turn_id"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Open reports whether the record still needs attention: flagged for review
// and not yet settled.
func (c Contradiction) Open() bool {
	return c.Resolution == FlaggedForReview && c.Settlement == nil
}
