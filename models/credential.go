package models

import (
	"time"

	"gorm.io/gorm"
)

type Credential struct {
	Id              string `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	Key             string `json:"key" gorm:"not null;index;size:200" bson:"key"`
	Username        string `json:"username" gorm:"size:100" bson:"username"`
	Password        string `json:"password" gorm:"size:100" bson:"password"`
	MaxCheckouts    int    `json:"max_checkouts" gorm:"not null;default:0" bson:"max_checkouts"`
	ThrottleSeconds int    `json:"throttle_seconds" gorm:"not null;default:0" bson:"throttle_seconds"`
}

func (credential *Credential) BeforeCreate(tx *gorm.DB) (err error) {
	if credential.Id == "" {
		credential.Id = NewID()
	}
	return
}

// ThrottleWindow is the minimum spacing between two checkouts of the credential.
func (credential Credential) ThrottleWindow() time.Duration {
	return time.Duration(credential.ThrottleSeconds) * time.Second
}

// Unlimited reports whether any number of requests may hold the credential.
func (credential Credential) Unlimited() bool {
	return credential.MaxCheckouts == 0
}

// CredentialView is the administrative representation of a Credential with
// its derived counters.
type CredentialView struct {
	Credential
	Pending      int64       `json:"pending"`
	InUse        int64       `json:"in_use"`
	LastCheckout *time.Time  `json:"last_checkout,omitempty"`
	Statistics   *Statistics `json:"statistics,omitempty"`
}
