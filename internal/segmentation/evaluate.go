package segmentation

import (
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// Match evaluates a compiled predicate against one subscriber in process.
// It mirrors the SQL rendered by the query builder and is meant for single
// records; audiences are always counted and listed in storage.
func Match(p Predicate, s *domain.Subscriber) bool {
	switch n := p.(type) {
	case And:
		for _, t := range n.Terms {
			if !Match(t, s) {
				return false
			}
		}
		return true
	case Or:
		for _, t := range n.Terms {
			if Match(t, s) {
				return true
			}
		}
		return false
	case Compare:
		v, ok := cellOf(n.Field, s).as(n.Operand.Kind)
		if !ok {
			return false
		}
		return compareHolds(n.Op, v.compareTo(n.Operand))
	case Like:
		v, ok := cellOf(n.Field, s).as(OperandText)
		if !ok {
			return false
		}
		return likeHolds(n.Mode, v.Text, n.Text) != n.Negate
	case Empty:
		return cellOf(n.Field, s).empty() != n.Negate
	case In:
		if len(n.Operands) == 0 {
			return false
		}
		v, ok := cellOf(n.Field, s).as(n.Operands[0].Kind)
		if !ok {
			return false
		}
		found := false
		for _, o := range n.Operands {
			if v.compareTo(o) == 0 {
				found = true
				break
			}
		}
		return found != n.Negate
	}
	return false
}

func compareHolds(op CompareOp, cmp int) bool {
	switch op {
	case CmpEq:
		return cmp == 0
	case CmpNe:
		return cmp != 0
	case CmpLt:
		return cmp < 0
	case CmpLe:
		return cmp <= 0
	case CmpGt:
		return cmp > 0
	case CmpGe:
		return cmp >= 0
	}
	return false
}

func likeHolds(mode LikeMode, value, text string) bool {
	value, text = strings.ToLower(value), strings.ToLower(text)
	switch mode {
	case LikePrefix:
		return strings.HasPrefix(value, text)
	case LikeSuffix:
		return strings.HasSuffix(value, text)
	default:
		return strings.Contains(value, text)
	}
}

// cell is a subscriber field value as seen by a predicate.
type cell struct {
	null   bool
	custom bool
	known  Operand      // column value, when !custom
	value  domain.Value // custom value, when custom
}

func cellOf(f FieldRef, s *domain.Subscriber) cell {
	if f.IsCustom() {
		v, ok := s.CustomFields.Lookup(f.Key)
		return cell{null: !ok || v.IsNull(), custom: true, value: v}
	}
	switch f.Name {
	case "email":
		return textCell(&s.Email)
	case "first_name":
		return textCell(s.FirstName)
	case "last_name":
		return textCell(s.LastName)
	case "status":
		status := string(s.Status)
		return textCell(&status)
	case "created_at":
		return timeCell(&s.CreatedAt)
	case "subscribed_at":
		return timeCell(s.SubscribedAt)
	case "unsubscribed_at":
		return timeCell(s.UnsubscribedAt)
	case "last_opened_at":
		return timeCell(s.LastOpenedAt)
	case "last_clicked_at":
		return timeCell(s.LastClickedAt)
	case "emails_received":
		return cell{known: numberOperand(float64(s.EmailsReceived))}
	case "emails_opened":
		return cell{known: numberOperand(float64(s.EmailsOpened))}
	case "emails_clicked":
		return cell{known: numberOperand(float64(s.EmailsClicked))}
	}
	return cell{null: true}
}

func textCell(s *string) cell {
	if s == nil {
		return cell{null: true}
	}
	return cell{known: textOperand(*s)}
}

func timeCell(t *time.Time) cell {
	if t == nil {
		return cell{null: true}
	}
	return cell{known: timeOperand(*t, false)}
}

// as converts the cell to an operand of kind k, reporting false when the
// stored value cannot take part in that comparison.
func (c cell) as(k OperandKind) (Operand, bool) {
	if c.null {
		return Operand{}, false
	}
	if !c.custom {
		return c.known, c.known.Kind == k
	}
	switch k {
	case OperandText:
		return textOperand(c.value.Text()), true
	case OperandNumber:
		if c.value.Kind == domain.KindNumber {
			return numberOperand(c.value.Num), true
		}
	case OperandBool:
		if c.value.Kind == domain.KindBool {
			return boolOperand(c.value.Bool), true
		}
	case OperandTime:
		if c.value.Kind == domain.KindString {
			if t, _, ok := parseStoredTimestamp(c.value.Str); ok {
				return timeOperand(t, false), true
			}
		}
	}
	return Operand{}, false
}

func (c cell) empty() bool {
	if c.null {
		return true
	}
	if c.custom {
		return c.value.Kind == domain.KindString && c.value.Str == ""
	}
	return c.known.Kind == OperandText && c.known.Text == ""
}
