package admission

import (
	"context"
	"testing"
	"time"

	"credential-broker/database"
	"credential-broker/logging"
	"credential-broker/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	repo := database.NewMemoryRepository()
	ctx := context.Background()
	c := models.Credential{Key: "k1"}
	require.NoError(t, repo.InsertCredential(ctx, &c))
	r := models.Request{Key: "k1", Status: models.StatusSubmitted, SubmissionTimestamp: time.Now()}
	require.NoError(t, repo.InsertRequest(ctx, &r))

	engine := NewEngine(repo, DefaultConfig())
	driver := NewDriver(engine, time.Hour, logging.NewTestLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		driver.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := repo.FindRequest(ctx, r.Id)
		return err == nil && got.Status == models.StatusGivenOut
	}, 2*time.Second, 10*time.Millisecond, "first cycle must not wait for the interval")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}

	snap := driver.Progress().Snapshot()
	assert.EqualValues(t, 1, snap.Cycle)
	assert.False(t, snap.Running)
	assert.Equal(t, PhaseIdle, snap.Phase)
}

// slowRepo blocks the assignment phase until released.
type slowRepo struct {
	*database.MemoryRepository
	entered chan struct{}
	release chan struct{}
}

func (r *slowRepo) FindRequests(ctx context.Context, q database.RequestQuery) ([]models.Request, error) {
	if len(q.Statuses) == 1 && q.Statuses[0] == models.StatusQueuing {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		<-r.release
	}
	return r.MemoryRepository.FindRequests(ctx, q)
}

func TestDriver_DrainsInFlightCycle(t *testing.T) {
	repo := &slowRepo{
		MemoryRepository: database.NewMemoryRepository(),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	ctx := context.Background()
	c := models.Credential{Key: "k1"}
	require.NoError(t, repo.InsertCredential(ctx, &c))
	r := models.Request{Key: "k1", Status: models.StatusSubmitted, SubmissionTimestamp: time.Now()}
	require.NoError(t, repo.InsertRequest(ctx, &r))

	driver := NewDriver(NewEngine(repo, DefaultConfig()), time.Hour, logging.NewTestLogger())
	driver.drainLogEvery = 5 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		driver.Run(runCtx)
		close(done)
	}()

	<-repo.entered
	cancel()

	select {
	case <-done:
		t.Fatal("driver returned before the in-flight cycle finished")
	case <-time.After(50 * time.Millisecond):
	}
	snap := driver.Progress().Snapshot()
	assert.True(t, snap.Running)

	close(repo.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after drain")
	}

	got, err := repo.FindRequest(ctx, r.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGivenOut, got.Status, "assignment completed despite cancellation")
}
