package chat

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navyk-backend/internal/models"
	"navyk-backend/internal/ratelimit"
)

func newTestManager(t *testing.T, limit int) (*Manager, *fakeStore, *fakeDoer, *fakeClock) {
	t.Helper()

	store := newFakeStore()
	doer := &fakeDoer{}
	clock := newFakeClock()
	sleep := &recordingSleep{}

	m := NewManager(DefaultConfig(testEndpoint), ManagerOptions{
		Store:       store,
		HTTP:        doer,
		Limiter:     ratelimit.NewWindow(limit, time.Minute).WithClock(clock.Now),
		Credentials: func(uuid.UUID) CredentialProvider { return StaticToken("tok") },
		IdleTTL:     10 * time.Minute,
		Now:         clock.Now,
		Sleep:       sleep.Sleep,
	})
	t.Cleanup(m.Close)
	return m, store, doer, clock
}

func TestManager_ReusesPipelinePerUserAndCoach(t *testing.T) {
	m, _, _, _ := newTestManager(t, 10)
	user := uuid.New()

	a, err := m.Get(context.Background(), user, "career")
	require.NoError(t, err)
	b, err := m.Get(context.Background(), user, "career")
	require.NoError(t, err)
	c, err := m.Get(context.Background(), user, "resume")
	require.NoError(t, err)
	d, err := m.Get(context.Background(), uuid.New(), "career")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.NotSame(t, a, d)
	assert.Equal(t, 3, m.Len())

	got, ok := m.Lookup(user, "resume")
	assert.True(t, ok)
	assert.Same(t, c, got)
	_, ok = m.Lookup(user, "interview")
	assert.False(t, ok)
}

func TestManager_LoadsHistoryOnFirstUse(t *testing.T) {
	m, store, _, _ := newTestManager(t, 10)
	user := uuid.New()
	id := uuid.New()
	store.put(&storedSession{
		id: id, userID: user, coachID: "interview", updated: time.Now().UTC(),
		messages: []models.ChatMessage{{Role: models.RoleUser, Content: "Mock interview please", Timestamp: time.Now().UTC()}},
	})

	p, err := m.Get(context.Background(), user, "interview")
	require.NoError(t, err)

	require.NotNil(t, p.SessionID())
	assert.Equal(t, id, *p.SessionID())
	assert.Equal(t, []string{"user:Mock interview please"}, contents(p.Messages()))
}

func TestManager_SharesAdmissionWindowAcrossCoaches(t *testing.T) {
	m, _, doer, _ := newTestManager(t, 1)
	user := uuid.New()

	career, err := m.Get(context.Background(), user, "career")
	require.NoError(t, err)
	resume, err := m.Get(context.Background(), user, "resume")
	require.NoError(t, err)

	doer.enqueue(streamOK(sseBody("Sure."), 0))
	require.NoError(t, career.Submit("Hi"))
	require.NoError(t, career.Wait())

	var admission *AdmissionError
	require.True(t, errors.As(resume.Submit("Hi"), &admission))
	assert.Equal(t, 60, admission.WaitSeconds)

	other, err := m.Get(context.Background(), uuid.New(), "resume")
	require.NoError(t, err)
	doer.enqueue(streamOK(sseBody("Hello."), 0))
	require.NoError(t, other.Submit("Hi"), "another user has their own window")
	require.NoError(t, other.Wait())
}

func TestManager_EvictsIdlePipelines(t *testing.T) {
	m, _, doer, clock := newTestManager(t, 10)
	user := uuid.New()

	idle, err := m.Get(context.Background(), user, "career")
	require.NoError(t, err)

	busy, err := m.Get(context.Background(), user, "skills")
	require.NoError(t, err)
	release := make(chan struct{})
	doer.enqueue(func(req *http.Request) (*http.Response, error) {
		<-release
		return streamOK(sseBody("ok"), 0)(req)
	})
	require.NoError(t, busy.Submit("Hi"))

	assert.Equal(t, 0, m.Evict(), "nothing is stale yet")

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, m.Evict())

	_, ok := m.Lookup(user, "career")
	assert.False(t, ok)
	assert.ErrorIs(t, idle.Submit("Hi"), ErrClosed)

	_, ok = m.Lookup(user, "skills")
	assert.True(t, ok, "a pipeline with a turn in flight is never evicted")

	close(release)
	require.NoError(t, busy.Wait())
}

func TestManager_CloseTearsDownEverything(t *testing.T) {
	m, _, _, _ := newTestManager(t, 10)
	user := uuid.New()

	a, err := m.Get(context.Background(), user, "career")
	require.NoError(t, err)
	b, err := m.Get(context.Background(), user, "networking")
	require.NoError(t, err)

	m.Close()

	assert.ErrorIs(t, a.Submit("Hi"), ErrClosed)
	assert.ErrorIs(t, b.Submit("Hi"), ErrClosed)
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(context.Background(), user, "career")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_RunStopsWithContext(t *testing.T) {
	m, _, _, _ := newTestManager(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// slowStore holds FindLatest for one user until release is closed.
type slowStore struct {
	*fakeStore
	slowUser uuid.UUID
	entered  chan struct{}
	release  chan struct{}
	finds    atomic.Int32
}

func (s *slowStore) FindLatest(ctx context.Context, userID uuid.UUID, coachID string) (*models.ChatSession, error) {
	s.finds.Add(1)
	if userID == s.slowUser {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.fakeStore.FindLatest(ctx, userID, coachID)
}

func TestManager_SlowLoadDoesNotBlockOtherUsers(t *testing.T) {
	store := &slowStore{
		fakeStore: newFakeStore(),
		slowUser:  uuid.New(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	m := NewManager(DefaultConfig(testEndpoint), ManagerOptions{
		Store:       store,
		HTTP:        &fakeDoer{},
		Credentials: func(uuid.UUID) CredentialProvider { return StaticToken("tok") },
	})
	defer m.Close()

	const callers = 3
	results := make(chan *Pipeline, callers)
	for i := 0; i < callers; i++ {
		go func() {
			p, err := m.Get(context.Background(), store.slowUser, "career")
			if err != nil {
				p = nil
			}
			results <- p
		}()
	}

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow load never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Get(context.Background(), uuid.New(), "career")
		assert.NoError(t, err)
		_, _ = m.Lookup(store.slowUser, "career")
		m.Len()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("another user's Get waited on a slow history load")
	}

	close(store.release)
	first := <-results
	require.NotNil(t, first)
	for i := 1; i < callers; i++ {
		assert.Same(t, first, <-results, "concurrent first calls must share one pipeline")
	}
	assert.Equal(t, int32(2), store.finds.Load(), "one load for the slow pair and one for the other user")
	assert.Equal(t, 2, m.Len())
}

func TestManager_GetAfterCloseDuringLoad(t *testing.T) {
	store := &slowStore{
		fakeStore: newFakeStore(),
		slowUser:  uuid.New(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	m := NewManager(DefaultConfig(testEndpoint), ManagerOptions{
		Store:       store,
		HTTP:        &fakeDoer{},
		Credentials: func(uuid.UUID) CredentialProvider { return StaticToken("tok") },
	})

	errs := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background(), store.slowUser, "career")
		errs <- err
	}()
	<-store.entered

	m.Close()
	close(store.release)

	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.Equal(t, 0, m.Len())
}
