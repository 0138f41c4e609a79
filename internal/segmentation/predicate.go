package segmentation

// Predicate is a compiled filter over one team's subscribers. The node set
// is closed: And, Or, Compare, Like, Empty and In.
//
// Every value node (Compare, Like, In) is false on a NULL field or a
// missing custom key, including its negated forms. Only Empty observes NULL.
type Predicate interface {
	predicate()
}

// And matches when every term matches. An empty And matches everything.
type And struct {
	Terms []Predicate
}

// Or matches when at least one term matches. An empty Or matches nothing.
type Or struct {
	Terms []Predicate
}

// CompareOp is a binary comparison.
type CompareOp uint8

const (
	CmpEq CompareOp = iota + 1
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// SQL returns the PostgreSQL spelling of the comparison.
func (op CompareOp) SQL() string {
	switch op {
	case CmpEq:
		return "="
	case CmpNe:
		return "<>"
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	}
	return "="
}

// Compare tests field <op> operand.
type Compare struct {
	Field   FieldRef
	Op      CompareOp
	Operand Operand
}

// LikeMode selects where the literal text must occur.
type LikeMode uint8

const (
	LikeContains LikeMode = iota + 1
	LikePrefix
	LikeSuffix
)

// Like is a case-insensitive literal substring test.
type Like struct {
	Field  FieldRef
	Mode   LikeMode
	Text   string
	Negate bool
}

// Empty matches NULL or, for text-valued fields, the empty string.
type Empty struct {
	Field  FieldRef
	Negate bool
}

// In tests membership in a set of operands of one kind.
type In struct {
	Field    FieldRef
	Operands []Operand
	Negate   bool
}

func (And) predicate()     {}
func (Or) predicate()      {}
func (Compare) predicate() {}
func (Like) predicate()    {}
func (Empty) predicate()   {}
func (In) predicate()      {}

// IsTautology reports whether p trivially matches every subscriber.
func IsTautology(p Predicate) bool {
	switch n := p.(type) {
	case And:
		for _, t := range n.Terms {
			if !IsTautology(t) {
				return false
			}
		}
		return true
	case Or:
		for _, t := range n.Terms {
			if IsTautology(t) {
				return true
			}
		}
		return false
	}
	return false
}

// IsContradiction reports whether p trivially matches no subscriber.
func IsContradiction(p Predicate) bool {
	switch n := p.(type) {
	case Or:
		for _, t := range n.Terms {
			if !IsContradiction(t) {
				return false
			}
		}
		return true
	case And:
		for _, t := range n.Terms {
			if IsContradiction(t) {
				return true
			}
		}
		return false
	}
	return false
}
