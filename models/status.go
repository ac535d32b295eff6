package models

import "strconv"

// Status is the lifecycle state of a Request. The numeric values are part of
// the wire format returned to clients and must not be reordered.
type Status int

const (
	StatusUnknown Status = iota
	StatusSubmitted
	StatusQueuing
	StatusCancel
	StatusCanceled
	StatusGivenOut
	StatusInUse
	StatusReturned
	StatusCompleted
	StatusTimedOutWaiting
	StatusTimedOutUsing
	StatusFailed
	StatusNoSuchKey
)

var statusNames = map[Status]string{
	StatusUnknown:         "Unknown",
	StatusSubmitted:       "Submitted",
	StatusQueuing:         "Queuing",
	StatusCancel:          "Cancel",
	StatusCanceled:        "Canceled",
	StatusGivenOut:        "GivenOut",
	StatusInUse:           "InUse",
	StatusReturned:        "Returned",
	StatusCompleted:       "Completed",
	StatusTimedOutWaiting: "TimedOutWaiting",
	StatusTimedOutUsing:   "TimedOutUsing",
	StatusFailed:          "Failed",
	StatusNoSuchKey:       "NoSuchKey",
}

var statusDescriptions = map[Status]string{
	StatusUnknown:         "Unknown",
	StatusSubmitted:       "Request submitted",
	StatusQueuing:         "Queuing for credentials",
	StatusCancel:          "Client indicated that request should be canceled",
	StatusCanceled:        "Request canceled by client",
	StatusGivenOut:        "Credentials have been given out (but not retrieved)",
	StatusInUse:           "Credentials are in use",
	StatusReturned:        "Credentials have been returned",
	StatusCompleted:       "Request completed",
	StatusTimedOutWaiting: "Timed out waiting for client to take credentials",
	StatusTimedOutUsing:   "Timed out returning credentials",
	StatusFailed:          "Request failed",
	StatusNoSuchKey:       "No such key found",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Description is the operator-facing sentence for the status.
func (s Status) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return s.String()
}

// Terminal reports whether no further transition may happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusCompleted, StatusTimedOutWaiting,
		StatusTimedOutUsing, StatusNoSuchKey, StatusFailed:
		return true
	}
	return false
}

// Status sets shared by the engine, the gateway and the repositories.
var (
	// PendingStatuses are requests for a key that have not yet settled with a
	// credential in hand.
	PendingStatuses = []Status{StatusSubmitted, StatusQueuing, StatusCancel, StatusGivenOut}

	// HoldingStatuses count towards a credential's reported in_use figure.
	HoldingStatuses = []Status{StatusCancel, StatusGivenOut, StatusInUse, StatusReturned}

	// CapacityStatuses occupy a max_checkouts slot of the referenced credential.
	CapacityStatuses = []Status{StatusGivenOut, StatusInUse, StatusReturned}

	// ThrottleStatuses are checkouts that consume the credential's throttle window.
	ThrottleStatuses = []Status{
		StatusGivenOut, StatusTimedOutWaiting, StatusInUse,
		StatusTimedOutUsing, StatusReturned, StatusCompleted,
	}

	// WaitingStatuses are the states a status poll keeps waiting on.
	WaitingStatuses = []Status{StatusSubmitted, StatusQueuing}
)

// In reports whether s is one of set.
func (s Status) In(set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
