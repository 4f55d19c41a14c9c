package skolebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// messageRecorder collects handled message contents per user
type messageRecorder struct {
	mu     sync.Mutex
	byUser map[string][]string
	delay  time.Duration
}

func (r *messageRecorder) handle(_ context.Context, m *discordgo.MessageCreate) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[m.Author.ID] = append(r.byUser[m.Author.ID], m.Content)
}

func (r *messageRecorder) get(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byUser[userID]...)
}

func TestUserWorkerPool_PerUserOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &messageRecorder{byUser: map[string][]string{}, delay: time.Millisecond}
	pool := newUserWorkerPool(time.Minute, rec.handle, slog.Default())

	users := []*discordgo.User{newDiscordUser(t), newDiscordUser(t), newDiscordUser(t)}
	const perUser = 40
	want := map[string][]string{}
	for i := 0; i < perUser; i++ {
		for _, u := range users {
			content := fmt.Sprintf("%s-%d", u.ID, i)
			want[u.ID] = append(want[u.ID], content)
			require.NoError(t, pool.Dispatch(ctx, newDirectMessage(u, content)))
		}
	}
	assert.Equal(t, len(users), pool.Len())

	for _, u := range users {
		assert.Eventually(
			t, func() bool {
				return len(rec.get(u.ID)) == perUser
			}, 5*time.Second, 10*time.Millisecond,
		)
		assert.Equal(t, want[u.ID], rec.get(u.ID))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, pool.Stop(stopCtx))
	assert.Equal(t, 0, pool.Len())
}

func TestUserWorkerPool_IdleWorkerRetires(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &messageRecorder{byUser: map[string][]string{}}
	pool := newUserWorkerPool(50*time.Millisecond, rec.handle, slog.Default())
	u := newDiscordUser(t)

	require.NoError(t, pool.Dispatch(ctx, newDirectMessage(u, "first")))
	assert.Eventually(
		t, func() bool {
			return pool.Len() == 0
		}, 2*time.Second, 10*time.Millisecond,
	)

	// a new worker starts for the next message
	require.NoError(t, pool.Dispatch(ctx, newDirectMessage(u, "second")))
	assert.Eventually(
		t, func() bool {
			return len(rec.get(u.ID)) == 2
		}, 2*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, []string{"first", "second"}, rec.get(u.ID))
}

func TestUserWorkerPool_RecoversFromPanic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &messageRecorder{byUser: map[string][]string{}}
	handle := func(ctx context.Context, m *discordgo.MessageCreate) {
		if m.Content == "panic" {
			panic("boom")
		}
		rec.handle(ctx, m)
	}
	pool := newUserWorkerPool(time.Minute, handle, slog.Default())
	u := newDiscordUser(t)

	require.NoError(t, pool.Dispatch(ctx, newDirectMessage(u, "panic")))
	require.NoError(t, pool.Dispatch(ctx, newDirectMessage(u, "after")))
	assert.Eventually(
		t, func() bool {
			return len(rec.get(u.ID)) == 1
		}, 2*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, 1, pool.Len())
}

func TestUserWorkerPool_StopTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handle := func(_ context.Context, _ *discordgo.MessageCreate) {
		started <- struct{}{}
		<-release
	}
	pool := newUserWorkerPool(time.Minute, handle, slog.Default())
	require.NoError(t, pool.Dispatch(ctx, newDirectMessage(newDiscordUser(t), "slow")))
	<-started

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stopCancel()
	assert.ErrorIs(t, pool.Stop(stopCtx), context.DeadlineExceeded)
	close(release)
}
