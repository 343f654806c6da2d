package session

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

type fakeHandle struct{ killed bool }

func (h *fakeHandle) Kill(context.Context) error {
	h.killed = true
	return nil
}

func validParams() CreateParams {
	return CreateParams{
		GameFamily:  domain.GameBargaining,
		PlayerRole:  domain.RoleAlice,
		OpponentURL: "http://localhost:5001",
		Params:      domain.DefaultGameParams(),
	}
}

func TestCreateAllocatesActiveSession(t *testing.T) {
	r := NewRegistry(nil)

	s, err := r.Create(validParams())
	require.NoError(t, err)
	assert.Len(t, s.ID, 12)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, domain.AssistNone, s.AssistMode)
	assert.False(t, s.CreatedAt.IsZero())
	assert.Nil(t, s.Result)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	r := NewRegistry(nil)

	bad := validParams()
	bad.GameFamily = "chess"
	_, err := r.Create(bad)
	assert.ErrorIs(t, err, ErrInvalidParams)

	bad = validParams()
	bad.PlayerRole = "carol"
	_, err = r.Create(bad)
	assert.ErrorIs(t, err, ErrInvalidParams)

	bad = validParams()
	bad.Params.MoneyToDivide = 0
	_, err = r.Create(bad)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestCreateRetriesOnIDCollision(t *testing.T) {
	r := NewRegistry(nil)
	ids := []string{"aaaaaaaaaaaa", "aaaaaaaaaaaa", "bbbbbbbbbbbb"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := r.Create(validParams())
	require.NoError(t, err)
	second, err := r.Create(validParams())
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaa", first.ID)
	assert.Equal(t, "bbbbbbbbbbbb", second.ID)
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderedByCreation(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var want []string
	for i := 0; i < 5; i++ {
		s, err := r.Create(validParams())
		require.NoError(t, err)
		want = append(want, s.ID)
	}

	var got []string
	for _, s := range r.List() {
		got = append(got, s.ID)
	}
	assert.Equal(t, want, got)
}

func TestTransitionOnlyFromActive(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Create(validParams())
	require.NoError(t, err)

	h := &fakeHandle{}
	require.NoError(t, r.AttachProcess(s.ID, h))
	got, ok := r.Process(s.ID)
	require.True(t, ok)
	assert.Same(t, h, got)

	err = r.Transition(s.ID, domain.StatusActive, domain.Result{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	result := domain.Result{Outcome: domain.OutcomeDeal, AliceGain: 6000, BobGain: 4000}
	require.NoError(t, r.Transition(s.ID, domain.StatusFinished, result))

	err = r.Transition(s.ID, domain.StatusError, domain.Result{Outcome: domain.OutcomeError})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	final, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 6000, final.Result.AliceGain)
	assert.False(t, final.Result.FinishedAt.IsZero())

	_, ok = r.Process(s.ID)
	assert.False(t, ok, "terminal session must release its process")
	assert.ErrorIs(t, r.AttachProcess(s.ID, h), ErrInvalidTransition)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Create(validParams())
	require.NoError(t, err)
	require.NoError(t, r.Transition(s.ID, domain.StatusError, domain.Result{Outcome: domain.OutcomeError}))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	got.Result.Outcome = domain.OutcomeDeal

	again, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeError, again.Result.Outcome)
}

func TestConcurrentTransitionsSucceedOnce(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Create(validParams())
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Transition(s.ID, domain.StatusFinished, domain.Result{Error: strconv.Itoa(i)})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
