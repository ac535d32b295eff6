package models

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusWireCodes(t *testing.T) {
	assert.Equal(t, 1, int(StatusSubmitted))
	assert.Equal(t, 5, int(StatusGivenOut))
	assert.Equal(t, 8, int(StatusCompleted))
	assert.Equal(t, 12, int(StatusNoSuchKey))
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCanceled, StatusCompleted, StatusTimedOutWaiting, StatusTimedOutUsing, StatusNoSuchKey, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s.String())
	}
	live := []Status{StatusSubmitted, StatusQueuing, StatusCancel, StatusGivenOut, StatusInUse, StatusReturned}
	for _, s := range live {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "GivenOut", StatusGivenOut.String())
	assert.Equal(t, "Status(42)", Status(42).String())
	assert.Equal(t, "No such key found", StatusNoSuchKey.Description())
}

func TestQueueLess(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reqs := []Request{
		{Id: "d", Priority: 10, SubmissionTimestamp: base.Add(2 * time.Second)},
		{Id: "c", Priority: 10, SubmissionTimestamp: base},
		{Id: "b", Priority: 10, SubmissionTimestamp: base},
		{Id: "a", Priority: 1, SubmissionTimestamp: base.Add(-time.Hour)},
		{Id: "e", Priority: 20, SubmissionTimestamp: base.Add(time.Hour)},
	}
	sort.Slice(reqs, func(i, j int) bool { return QueueLess(reqs[i], reqs[j]) })

	var got []string
	for _, r := range reqs {
		got = append(got, r.Id)
	}
	assert.Equal(t, []string{"e", "b", "c", "d", "a"}, got)
}

func TestNewIDIsOrderedAndValid(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	assert.True(t, ValidID(a))
	assert.Less(t, a, b)
	assert.False(t, ValidID("not-a-ticket"))
}
