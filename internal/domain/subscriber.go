package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberSubscribed   SubscriberStatus = "subscribed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberComplained   SubscriberStatus = "complained"
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberCleaned      SubscriberStatus = "cleaned"
)

// SubscriberStatuses lists every status in a stable order.
func SubscriberStatuses() []SubscriberStatus {
	return []SubscriberStatus{
		SubscriberSubscribed,
		SubscriberUnsubscribed,
		SubscriberBounced,
		SubscriberComplained,
		SubscriberPending,
		SubscriberCleaned,
	}
}

// Valid reports whether s is one of the known statuses.
func (s SubscriberStatus) Valid() bool {
	for _, known := range SubscriberStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Subscriber is one recipient of a team. Email is unique within the team.
//
// Status transitions are business events owned by callers; nothing here
// enforces a state machine.
type Subscriber struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	TeamID    uuid.UUID        `json:"team_id" db:"team_id"`
	Email     string           `json:"email" db:"email"`
	FirstName *string          `json:"first_name,omitempty" db:"first_name"`
	LastName  *string          `json:"last_name,omitempty" db:"last_name"`
	Status    SubscriberStatus `json:"status" db:"status"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	SubscribedAt   *time.Time `json:"subscribed_at,omitempty" db:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`

	EmailsReceived int        `json:"emails_received" db:"emails_received"`
	EmailsOpened   int        `json:"emails_opened" db:"emails_opened"`
	EmailsClicked  int        `json:"emails_clicked" db:"emails_clicked"`
	LastOpenedAt   *time.Time `json:"last_opened_at,omitempty" db:"last_opened_at"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty" db:"last_clicked_at"`

	CustomFields CustomFields `json:"custom_fields" db:"custom_fields"`
}

// SubscriberSummary is the minimal projection returned by previews.
type SubscriberSummary struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	Email     string           `json:"email" db:"email"`
	FirstName string           `json:"first_name,omitempty" db:"first_name"`
	LastName  string           `json:"last_name,omitempty" db:"last_name"`
	Status    SubscriberStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// Summary projects the subscriber onto a SubscriberSummary.
func (s *Subscriber) Summary() SubscriberSummary {
	sum := SubscriberSummary{
		ID:        s.ID,
		Email:     s.Email,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
	if s.FirstName != nil {
		sum.FirstName = *s.FirstName
	}
	if s.LastName != nil {
		sum.LastName = *s.LastName
	}
	return sum
}
