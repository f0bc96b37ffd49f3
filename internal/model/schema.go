package model

// Mutability tells the consistency checker how to treat a changed attribute.
type Mutability string

const (
	// Unmarked attributes have contradictions flagged for review.
	Unmarked Mutability = ""
	// Mutable attributes accept later values (location, mood).
	Mutable Mutability = "mutable"
	// Immutable attributes reject conflicting values (species, founding era).
	Immutable Mutability = "immutable"
)

// ValidMutability are the allowed mutability markers.
var ValidMutability = map[Mutability]bool{
	Unmarked:  true,
	Mutable:   true,
	Immutable: true,
}

// AttributeSpec describes one attribute of a card kind. Type and RefKind are
// optional constraints.
type AttributeSpec struct {
	Mutability Mutability `json:"mutability,omitempty" yaml:"mutability,omitempty"`
	Type       ValueType  `json:"type,omitempty" yaml:"type,omitempty"`
	RefKind    Kind       `json:"ref_kind,omitempty" yaml:"ref_kind,omitempty"`
}

// Schema maps card kind to attribute name to spec.
type Schema map[Kind]map[string]AttributeSpec

// Spec returns the spec for an attribute; the zero spec when none is declared.
func (s Schema) Spec(kind Kind, attribute string) AttributeSpec {
	if s == nil {
		return AttributeSpec{}
	}
	return s[kind][attribute]
}

// Validate checks every declared kind, mutability and type.
func (s Schema) Validate() error {
	for kind, attrs := range s {
		if !ValidKinds[kind] {
			return &ValidationError{Field: "schema", Reason: "unknown kind " + string(kind)}
		}
		for name, spec := range attrs {
			if !ValidMutability[spec.Mutability] {
				return &ValidationError{Field: "schema." + string(kind) + "." + name, Reason: "unknown mutability " + string(spec.Mutability)}
			}
			switch spec.Type {
			case "", TypeString, TypeNumber, TypeBool, TypeRef:
			default:
				return &ValidationError{Field: "schema." + string(kind) + "." + name, Reason: "unknown type " + string(spec.Type)}
			}
			if spec.RefKind != "" && !ValidKinds[spec.RefKind] {
				return &ValidationError{Field: "schema." + string(kind) + "." + name, Reason: "unknown ref kind " + string(spec.RefKind)}
			}
		}
	}
	return nil
}

// CheckValue validates v against the declared type of the attribute.
func (s Schema) CheckValue(kind Kind, attribute string, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	spec := s.Spec(kind, attribute)
	if spec.Type != "" && spec.Type != v.Type {
		return &ValidationError{
			Field:  string(kind) + "." + attribute,
			Reason: "expected " + string(spec.Type) + ", got " + string(v.Type),
		}
	}
	return nil
}

// DefaultSchema returns the built-in attribute schema.
func DefaultSchema() Schema {
	return Schema{
		KindCharacter: {
			"species":  {Mutability: Immutable, Type: TypeString},
			"origin":   {Mutability: Immutable},
			"location": {Mutability: Mutable},
			"mood":     {Mutability: Mutable, Type: TypeString},
			"status":   {Mutability: Mutable, Type: TypeString},
			"health":   {Mutability: Mutable},
		},
		KindLocation: {
			"region":  {Mutability: Immutable},
			"founded": {Mutability: Immutable},
		},
		KindItem: {
			"material":    {Mutability: Immutable},
			"size":        {Mutability: Immutable},
			"weight":      {Mutability: Immutable},
			"composition": {Mutability: Immutable},
			"owner":       {Mutability: Mutable},
			"location":    {Mutability: Mutable},
		},
		KindRelationship: {
			"source":   {Mutability: Immutable, Type: TypeRef},
			"target":   {Mutability: Immutable, Type: TypeRef},
			"status":   {Mutability: Mutable},
			"strength": {Mutability: Mutable, Type: TypeNumber},
		},
	}
}
