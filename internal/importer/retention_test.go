package importer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/knximport/internal/knxproj/knxprojtest"
)

func TestRegistryExpired(t *testing.T) {
	r := newTestRegistry()

	done := r.Create("done.knxproj", []byte("a"))
	require.NoError(t, r.Complete(done.ID, Result{}))

	waiting := r.Create("waiting.knxproj", []byte("b"))
	require.NoError(t, r.Park(waiting.ID))

	running := r.Create("running.knxproj", []byte("c"))

	far := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, r.Expired(past, past))
	assert.Equal(t, []string{done.ID}, r.Expired(far, past))
	assert.Equal(t, []string{waiting.ID}, r.Expired(past, far))
	assert.NotContains(t, r.Expired(far, far), running.ID, "a running job never expires")
}

func TestServiceSweep(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	plain, err := svc.Start(ctx, "house.knxproj", knxprojtest.PlainProject(t))
	require.NoError(t, err)
	waitFor(t, svc, plain.ID, hasStatus(StatusCompleted))

	nested, err := svc.Start(ctx, "secure.knxproj", knxprojtest.NestedProject(t, projectPassword, false))
	require.NoError(t, err)
	waitFor(t, svc, nested.ID, hasStatus(StatusWaitingForInput))

	cfg := RetentionConfig{Finished: 24 * time.Hour, Waiting: time.Hour}
	now := time.Now()

	assert.Equal(t, 0, svc.Sweep(now, cfg), "nothing has expired yet")
	assert.Len(t, svc.Jobs(), 2)

	assert.Equal(t, 1, svc.Sweep(now.Add(2*time.Hour), cfg), "abandoned upload")
	_, ok := svc.Job(nested.ID)
	assert.False(t, ok)

	assert.Equal(t, 1, svc.Sweep(now.Add(25*time.Hour), cfg), "finished job")
	assert.Empty(t, svc.Jobs())
}

func TestServiceSweepKeepsForeverByDefault(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	job, err := svc.Start(context.Background(), "house.knxproj", knxprojtest.PlainProject(t))
	require.NoError(t, err)
	waitFor(t, svc, job.ID, hasStatus(StatusCompleted))

	var cfg RetentionConfig
	assert.False(t, cfg.Enabled())
	assert.Equal(t, 0, svc.Sweep(time.Now().Add(24*365*time.Hour), cfg))
	assert.Len(t, svc.Jobs(), 1)
}

func TestRetentionSweeperDisabledReturns(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	done := make(chan struct{})
	go func() {
		svc.StartRetentionSweeper(context.Background(), RetentionConfig{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper did not return")
	}
}
