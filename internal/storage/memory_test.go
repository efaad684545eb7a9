package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend { return NewMemoryStore() })
}

// A failure injected between the job write and the driver write must leave
// neither write visible.
func TestMemoryStoreInjectedFailureIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.PutDriver(ctx, driver("d1", models.CategoryBerline, true)))
	require.NoError(t, m.CreateJob(ctx, job("j1", time.Now())))

	boom := errors.New("store crashed")
	m.BeforeMutation = func(i int, _ Mutation) error {
		if i == 1 {
			return boom
		}
		return nil
	}
	err := m.AtomicUpdate(ctx,
		Mutation{Collection: Jobs, ID: "j1", Set: Fields{FieldStatus: models.JobAssigned, FieldDriverID: "d1"}},
		Mutation{Collection: Drivers, ID: "d1", Set: Fields{FieldAvailable: false, FieldCurrentJobID: "j1"}},
	)
	require.ErrorIs(t, err, boom)

	j, _ := m.GetJob(ctx, "j1")
	d, _ := m.GetDriver(ctx, "d1")
	assert.Equal(t, models.JobPending, j.Status)
	assert.Empty(t, j.DriverID)
	assert.True(t, d.Available)
	assert.Empty(t, d.CurrentJobID)
}

func TestMemoryStoreSameRecordTwiceInOneUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.PutDriver(ctx, driver("d1", models.CategoryBerline, false)))

	// Later mutations see the staged state of earlier ones.
	err := m.AtomicUpdate(ctx,
		Mutation{Collection: Drivers, ID: "d1", Set: Fields{FieldAvailable: true}},
		Mutation{Collection: Drivers, ID: "d1", Set: Fields{FieldCurrentJobID: "j9"}, Expect: Fields{FieldAvailable: true}},
	)
	require.NoError(t, err)
	d, _ := m.GetDriver(ctx, "d1")
	assert.True(t, d.Available)
	assert.Equal(t, "j9", d.CurrentJobID)
}

func TestMemoryStoreAlertsOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	for _, a := range []models.FraudAlert{
		{ID: "b", TripID: "t", CreatedAt: now},
		{ID: "a", TripID: "t", CreatedAt: now.Add(-time.Second)},
		{ID: "a", TripID: "t", CreatedAt: now.Add(time.Hour)},
	} {
		_, err := m.AppendAlert(ctx, a)
		require.NoError(t, err)
	}

	got := m.Alerts()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
