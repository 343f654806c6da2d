package bridge

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/parley-labs/internal/domain"
)

func msgs(content string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: content}}
}

func TestRegisterReplacesPendingTurn(t *testing.T) {
	b := New()

	first := b.Register("s1", msgs("first"), false, nil)
	second := b.Register("s1", msgs("second"), true, nil)

	snap, ok := b.Peek("s1")
	require.True(t, ok)
	assert.Equal(t, second.Round, snap.Round)
	assert.True(t, snap.Decision)
	assert.Equal(t, "second", snap.Messages[0].Content)

	// The replaced waiter is not woken; it only returns on its own deadline.
	_, err := b.Await(context.Background(), first, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTurnTimeout)

	// The newer turn survives the stale waiter's cleanup.
	_, ok = b.Peek("s1")
	assert.True(t, ok)
}

func TestResolveExactlyOnce(t *testing.T) {
	b := New()
	turn := b.Register("s1", msgs("offer"), false, nil)

	result := make(chan string, 1)
	go func() {
		answer, err := b.Await(context.Background(), turn, time.Second)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- answer
	}()

	assert.True(t, b.Resolve("s1", `{"decision":"accept"}`))
	assert.False(t, b.Resolve("s1", `{"decision":"reject"}`))

	select {
	case got := <-result:
		assert.Equal(t, `{"decision":"accept"}`, got)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	_, ok := b.Peek("s1")
	assert.False(t, ok, "resolved turn must be released")
	assert.False(t, b.Resolve("s1", "late"))
}

func TestResolveWithoutPendingTurn(t *testing.T) {
	b := New()
	assert.False(t, b.Resolve("unknown", "x"))
}

func TestResolveRoundIgnoresNewerTurn(t *testing.T) {
	b := New()
	first := b.Register("s1", msgs("propose"), false, nil)
	b.Register("s1", msgs("accept or reject?"), true, nil)

	assert.False(t, b.ResolveRound("s1", first.Round, `{"alice_gain":1,"bob_gain":2}`))
	snap, ok := b.Peek("s1")
	require.True(t, ok)
	assert.False(t, snap.Resolved)

	assert.True(t, b.ResolveRound("s1", snap.Round, `{"decision":"accept"}`))
	assert.False(t, b.ResolveRound("s1", snap.Round, `{"decision":"reject"}`))
	assert.False(t, b.ResolveRound("unknown", 1, "x"))
}

func TestRoundCounterTracksRegistrations(t *testing.T) {
	b := New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		turn := b.Register("s1", msgs("turn "+strconv.Itoa(i)), i%2 == 0, nil)
		require.Equal(t, i, turn.Round)
		switch i % 3 {
		case 0:
			_, err := b.Await(ctx, turn, time.Millisecond)
			require.ErrorIs(t, err, ErrTurnTimeout)
		case 1:
			require.True(t, b.Resolve("s1", "ok"))
			_, err := b.Await(ctx, turn, time.Second)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 5, b.Round("s1"))
	assert.Equal(t, 0, b.Round("other"))
}

func TestAwaitTimeoutLeavesNoResidue(t *testing.T) {
	b := New()
	turn := b.Register("s1", msgs("hi"), false, nil)

	start := time.Now()
	answer, err := b.Await(context.Background(), turn, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTurnTimeout)
	assert.Empty(t, answer)
	assert.Less(t, time.Since(start), time.Second)

	_, ok := b.Peek("s1")
	assert.False(t, ok)
	assert.False(t, b.Resolve("s1", "late"))
}

func TestAwaitContextCancelled(t *testing.T) {
	b := New()
	turn := b.Register("s1", msgs("hi"), false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Await(ctx, turn, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := b.Peek("s1")
	assert.False(t, ok)
}

func TestClearReleasesWaiter(t *testing.T) {
	b := New()
	turn := b.Register("s1", msgs("hi"), false, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(context.Background(), turn, time.Minute)
		errCh <- err
	}()

	b.Clear("s1")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTurnCleared)
	case <-time.After(time.Second):
		t.Fatal("cleared waiter did not return")
	}
	assert.False(t, b.Resolve("s1", "late"))
	assert.Equal(t, 1, b.Round("s1"))
}

func TestPeekDoesNotMutate(t *testing.T) {
	b := New()
	params := map[string]any{"money_to_divide": 10000}
	b.Register("s1", msgs("hi"), false, params)

	snap, ok := b.Peek("s1")
	require.True(t, ok)
	snap.Params["money_to_divide"] = 1
	snap.Messages[0].Content = "changed"

	again, ok := b.Peek("s1")
	require.True(t, ok)
	assert.Equal(t, 10000, again.Params["money_to_divide"])
	assert.Equal(t, "hi", again.Messages[0].Content)
	assert.False(t, again.Resolved)
}

func TestSessionsDoNotContend(t *testing.T) {
	b := New()
	const sessions = 50

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := "s" + strconv.Itoa(i)
		turn := b.Register(id, msgs("hi"), false, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := b.Await(context.Background(), turn, 2*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, id, answer)
		}()
	}

	// A session nobody answers must not hold up the others.
	idle := b.Register("idle", msgs("hi"), false, nil)
	go func() { _, _ = b.Await(context.Background(), idle, time.Minute) }()

	for i := 0; i < sessions; i++ {
		id := "s" + strconv.Itoa(i)
		require.Eventually(t, func() bool { return b.Resolve(id, id) }, time.Second, time.Millisecond)
	}
	wg.Wait()
	b.Clear("idle")
}
