package models

import (
	"time"

	"gorm.io/gorm"
)

// Request is one client's lease ticket against a credential pool.
type Request struct {
	Id                  string     `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	CredentialId        *string    `json:"credential" gorm:"size:36;index:idx_requests_credential_status,priority:1" bson:"credential_id"`
	Client              string     `json:"client" bson:"client"`
	Key                 string     `json:"key" gorm:"not null;index;size:200" bson:"key"`
	Priority            int        `json:"priority" gorm:"not null;default:0" bson:"priority"`
	Status              Status     `json:"status" gorm:"not null;index;index:idx_requests_credential_status,priority:2" bson:"status"`
	SubmissionTimestamp time.Time  `json:"submission_timestamp" gorm:"not null" bson:"submission_timestamp"`
	CheckoutTimestamp   *time.Time `json:"checkout_timestamp" gorm:"index:idx_requests_credential_status,priority:3" bson:"checkout_timestamp"`
	CheckinTimestamp    *time.Time `json:"checkin_timestamp" bson:"checkin_timestamp"`
}

func (request *Request) BeforeCreate(tx *gorm.DB) (err error) {
	if request.Id == "" {
		request.Id = NewID()
	}
	return
}

// HasCredential reports whether the request was ever assigned a credential.
func (request Request) HasCredential() bool {
	return request.CredentialId != nil && *request.CredentialId != ""
}

// Waited is the time between submission and checkout, zero if never checked out.
func (request Request) Waited() time.Duration {
	if request.CheckoutTimestamp == nil {
		return 0
	}
	return request.CheckoutTimestamp.Sub(request.SubmissionTimestamp)
}

// QueueLess is the admission order: priority descending, then submission
// time ascending, then id ascending.
func QueueLess(a, b Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmissionTimestamp.Equal(b.SubmissionTimestamp) {
		return a.SubmissionTimestamp.Before(b.SubmissionTimestamp)
	}
	return a.Id < b.Id
}
