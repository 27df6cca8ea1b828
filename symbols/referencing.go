package symbols

// Referencing is implemented by everything that references a type: ref
// types, struct members, function parameters and variables.
type Referencing interface {
	RefTypeID() int
	RefType() Type
	OrigRefTypeID() int
	AltRefTypes() []AltRefType
	AltRefTypeCount() int
	AltRefType(index int) (AltRefType, bool)
	AddAltRefType(alt AltRefType) bool
	referencing() *ReferencingType
}

// ReferencingType holds a declared reference to another type and an
// ordered list of alternative reference types discovered by source
// analysis.
type ReferencingType struct {
	refTypeID     int
	origRefTypeID int
	refType       Type
	altRefTypes   []AltRefType
}

// AltRefType is one candidate alternative for a declared reference.
type AltRefType struct {
	ID   int  // type id of the candidate
	Type Type // the candidate, resolved when registered

	// Expr is the expression that justified the candidate. Nil means the
	// candidate applies unconditionally.
	Expr Expression
}

func (r *ReferencingType) referencing() *ReferencingType { return r }

// RefTypeID is the id of the referenced type. Zero means void.
func (r *ReferencingType) RefTypeID() int { return r.refTypeID }

// OrigRefTypeID is the id given by the declaration, before any synthetic
// rewrite (list heads) took place.
func (r *ReferencingType) OrigRefTypeID() int { return r.origRefTypeID }

// RefType returns the referenced type, or nil while it is unresolved or
// void.
func (r *ReferencingType) RefType() Type { return r.refType }

// IsResolved reports whether the reference is void or resolved.
func (r *ReferencingType) IsResolved() bool { return r.refTypeID == 0 || r.refType != nil }

func (r *ReferencingType) setRef(t Type) {
	r.refType = t
	if t != nil {
		r.refTypeID = t.ID()
	}
}

func (r *ReferencingType) setRefID(id int) {
	r.refTypeID = id
	r.origRefTypeID = id
}

func (r *ReferencingType) AltRefTypes() []AltRefType { return r.altRefTypes }

func (r *ReferencingType) AltRefTypeCount() int { return len(r.altRefTypes) }

// AddAltRefType registers alt unless an entry with the same id and an
// equal expression exists. New entries go first. Reports whether alt was
// added.
func (r *ReferencingType) AddAltRefType(alt AltRefType) bool {
	for _, a := range r.altRefTypes {
		if a.ID == alt.ID && ExpressionsEqual(a.Expr, alt.Expr) {
			return false
		}
	}
	r.altRefTypes = append([]AltRefType{alt}, r.altRefTypes...)
	return true
}

// AltRefType returns the alternative at index. A negative index selects the
// best guess: a single entry is returned as is; otherwise the first entry
// whose target is a struct or union wins, then the first function pointer,
// then the first plain pointer, then the first entry.
func (r *ReferencingType) AltRefType(index int) (AltRefType, bool) {
	if index >= 0 {
		if index < len(r.altRefTypes) {
			return r.altRefTypes[index], true
		}
		return AltRefType{}, false
	}
	switch len(r.altRefTypes) {
	case 0:
		return AltRefType{}, false
	case 1:
		return r.altRefTypes[0], true
	}
	rank := func(a AltRefType) int {
		if a.Type == nil {
			return 4
		}
		target, _ := DereferencedType(a.Type, ResolveAny, -1)
		switch {
		case target != nil && target.Kind()&StructOrUnion != 0:
			return 0
		case target != nil && target.Kind()&FunctionTypes != 0:
			return 1
		}
		if t, _ := DereferencedType(a.Type, ResolveLexical, -1); t != nil && t.Kind() == KindPointer {
			return 2
		}
		return 3
	}
	best, bestRank := 0, rank(r.altRefTypes[0])
	for i := 1; i < len(r.altRefTypes) && bestRank > 0; i++ {
		if rk := rank(r.altRefTypes[i]); rk < bestRank {
			best, bestRank = i, rk
		}
	}
	return r.altRefTypes[best], true
}

// Compatible reports whether the candidate applies to inst, the instance
// owning the reference (the parent struct for members). Every variable
// expression bound to a local context must be compatible with inst.
func (a AltRefType) Compatible(inst *Instance) bool {
	if a.Expr == nil {
		return true
	}
	return a.Expr.Compatible(inst)
}
