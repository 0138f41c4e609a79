// Package segmentation provides dynamic audience segmentation: rule
// validation, compilation of rule sets into team-scoped subscriber queries,
// and synchronization of rule-backed mailing lists.
package segmentation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
)

// ==========================================
// FIELD TYPES
// ==========================================

// FieldType is the storage type of a segmentable field.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldEnum      FieldType = "enum"
	FieldTimestamp FieldType = "timestamp"
	FieldInteger   FieldType = "integer"
	FieldCustom    FieldType = "custom"
)

// CustomFieldPrefix introduces a custom field path: "custom_fields.<key>".
const CustomFieldPrefix = "custom_fields."

var customKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FieldRef is a resolved field: either a subscriber column or a custom key.
type FieldRef struct {
	Name   string    `json:"name"`
	Type   FieldType `json:"type"`
	Column string    `json:"-"`
	Key    string    `json:"key,omitempty"`
}

// IsCustom reports whether the field lives in the custom_fields mapping.
func (f FieldRef) IsCustom() bool { return f.Type == FieldCustom }

var subscriberFields = []FieldRef{
	{Name: "email", Type: FieldText, Column: "s.email"},
	{Name: "first_name", Type: FieldText, Column: "s.first_name"},
	{Name: "last_name", Type: FieldText, Column: "s.last_name"},
	{Name: "status", Type: FieldEnum, Column: "s.status"},
	{Name: "created_at", Type: FieldTimestamp, Column: "s.created_at"},
	{Name: "subscribed_at", Type: FieldTimestamp, Column: "s.subscribed_at"},
	{Name: "unsubscribed_at", Type: FieldTimestamp, Column: "s.unsubscribed_at"},
	{Name: "last_opened_at", Type: FieldTimestamp, Column: "s.last_opened_at"},
	{Name: "last_clicked_at", Type: FieldTimestamp, Column: "s.last_clicked_at"},
	{Name: "emails_received", Type: FieldInteger, Column: "s.emails_received"},
	{Name: "emails_opened", Type: FieldInteger, Column: "s.emails_opened"},
	{Name: "emails_clicked", Type: FieldInteger, Column: "s.emails_clicked"},
}

// SubscriberFields returns the fixed subscriber attributes usable in rules.
func SubscriberFields() []FieldRef {
	out := make([]FieldRef, len(subscriberFields))
	copy(out, subscriberFields)
	return out
}

// ResolveField maps a rule field name to a FieldRef.
func ResolveField(name string) (FieldRef, error) {
	if strings.HasPrefix(name, CustomFieldPrefix) {
		key := strings.TrimPrefix(name, CustomFieldPrefix)
		if !customKeyPattern.MatchString(key) {
			return FieldRef{}, fmt.Errorf("invalid custom field key %q", key)
		}
		return FieldRef{Name: name, Type: FieldCustom, Key: key}, nil
	}
	for _, f := range subscriberFields {
		if f.Name == name {
			return f, nil
		}
	}
	return FieldRef{}, fmt.Errorf("unknown field %q", name)
}

// ==========================================
// OPERATOR CATALOGUE
// ==========================================

// OperatorInfo describes an operator for clients building rule editors.
type OperatorInfo struct {
	Operator        domain.Operator `json:"operator"`
	Label           string          `json:"label"`
	ApplicableTypes []FieldType     `json:"applicable_types"`
	RequiresValue   bool            `json:"requires_value"`
	RequiresRange   bool            `json:"requires_range"`
	RequiresArray   bool            `json:"requires_array"`
}

var allTypes = []FieldType{FieldText, FieldEnum, FieldTimestamp, FieldInteger, FieldCustom}

// OperatorCatalogue lists every operator with the field types it accepts.
func OperatorCatalogue() []OperatorInfo {
	textual := []FieldType{FieldText, FieldEnum, FieldCustom}
	ordered := []FieldType{FieldTimestamp, FieldInteger, FieldCustom}
	listable := []FieldType{FieldText, FieldEnum, FieldInteger, FieldCustom}
	return []OperatorInfo{
		{domain.OpEquals, "Equals", allTypes, true, false, false},
		{domain.OpNotEquals, "Does not equal", allTypes, true, false, false},
		{domain.OpContains, "Contains", textual, true, false, false},
		{domain.OpNotContains, "Does not contain", textual, true, false, false},
		{domain.OpStartsWith, "Starts with", textual, true, false, false},
		{domain.OpEndsWith, "Ends with", textual, true, false, false},
		{domain.OpBefore, "Before / less than", ordered, true, false, false},
		{domain.OpAfter, "After / greater than", ordered, true, false, false},
		{domain.OpBetween, "Between (inclusive)", ordered, true, true, false},
		{domain.OpIsEmpty, "Is empty", allTypes, false, false, false},
		{domain.OpIsNotEmpty, "Is not empty", allTypes, false, false, false},
		{domain.OpInList, "Is one of", listable, true, false, true},
		{domain.OpNotInList, "Is none of", listable, true, false, true},
	}
}

func operatorApplies(op domain.Operator, ft FieldType) bool {
	for _, info := range OperatorCatalogue() {
		if info.Operator != op {
			continue
		}
		for _, t := range info.ApplicableTypes {
			if t == ft {
				return true
			}
		}
		return false
	}
	return false
}

// ==========================================
// ENGINE INPUTS AND RESULTS
// ==========================================

// SegmentInput is the writable part of a segment. Updates replace all of it.
type SegmentInput struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Conditions  domain.Rules `json:"conditions"`
}

// ListInput is the writable part of a mailing list.
type ListInput struct {
	Name         string       `json:"name"`
	SegmentRules domain.Rules `json:"segment_rules"`
}

// Page selects a window of an ordered result.
type Page struct {
	Limit  int
	Offset int
}

// Preview is the outcome of evaluating an unsaved rule set.
type Preview struct {
	Count        int                        `json:"count"`
	Subscribers  []domain.SubscriberSummary `json:"subscribers"`
	Warnings     []string                   `json:"warnings,omitempty"`
	QueryHash    string                     `json:"query_hash"`
	CalculatedAt time.Time                  `json:"calculated_at"`
}

// SyncResult reports one membership reconciliation.
type SyncResult struct {
	ListID     uuid.UUID   `json:"list_id"`
	Added      int         `json:"added"`
	Removed    int         `json:"removed"`
	Total      int         `json:"total"`
	SyncedAt   time.Time   `json:"synced_at"`
	Skipped    bool        `json:"skipped,omitempty"`
	AddedIDs   []uuid.UUID `json:"-"`
	RemovedIDs []uuid.UUID `json:"-"`
}
