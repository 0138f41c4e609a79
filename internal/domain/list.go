package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ListType distinguishes curated lists from rule-derived ones.
type ListType string

const (
	ListStandard  ListType = "standard"
	ListAutomated ListType = "automated"
)

// MailingList is a team's list. When SegmentRules is non-empty the list is
// automated and its membership is owned by synchronization alone.
type MailingList struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	TeamID          uuid.UUID  `json:"team_id" db:"team_id"`
	Name            string     `json:"name" db:"name"`
	Type            ListType   `json:"type" db:"type"`
	SegmentRules    Rules      `json:"segment_rules" db:"segment_rules"`
	SubscriberCount int        `json:"subscriber_count" db:"subscriber_count"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsAutomated reports whether membership is derived from SegmentRules.
func (l *MailingList) IsAutomated() bool {
	return len(l.SegmentRules) > 0
}

// MembershipStatus is the state of a subscriber on one list.
type MembershipStatus string

const (
	MembershipSubscribed   MembershipStatus = "subscribed"
	MembershipUnsubscribed MembershipStatus = "unsubscribed"
)

// Membership is one (list, subscriber) pivot row.
type Membership struct {
	MailingListID  uuid.UUID        `json:"mailing_list_id" db:"mailing_list_id"`
	SubscriberID   uuid.UUID        `json:"subscriber_id" db:"subscriber_id"`
	Status         MembershipStatus `json:"status" db:"status"`
	SubscribedAt   time.Time        `json:"subscribed_at" db:"subscribed_at"`
	UnsubscribedAt *time.Time       `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	Metadata       json.RawMessage  `json:"metadata,omitempty" db:"metadata"`
}

// ListRef identifies a list across teams, used by schedulers.
type ListRef struct {
	TeamID uuid.UUID `json:"team_id" db:"team_id"`
	ListID uuid.UUID `json:"list_id" db:"id"`
}
