package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/models"
)

func TestCoachCatalog(t *testing.T) {
	catalog := NewCoachCatalog()

	for _, id := range []string{"career", "resume", "interview", "skills", "networking"} {
		coach, err := catalog.Lookup(id)
		require.NoError(t, err, id)
		assert.NotEmpty(t, coach.SystemPrompt)
	}

	_, err := catalog.Lookup("astrology")
	assert.ErrorIs(t, err, ErrUnknownCoach)

	list := catalog.List()
	require.Len(t, list, 5)
	assert.Equal(t, "career", list[0].ID)
	assert.Equal(t, "skills", list[4].ID)
}

func TestBuildHistory(t *testing.T) {
	history := buildHistory([]models.ChatTurn{
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello!"},
		{Role: models.RoleUser, Content: "  "},
	})

	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.Text("Hello!"), history[1].Parts[0])
}

func TestBuildHistory_MergesRevealedChunks(t *testing.T) {
	history := buildHistory([]models.ChatTurn{
		{Role: models.RoleUser, Content: "How do I ask for a raise?"},
		{Role: models.RoleAssistant, Content: "Start with your results."},
		{Role: models.RoleAssistant, Content: "Then name a number."},
		{Role: models.RoleUser, Content: "What number?"},
		{Role: models.RoleAssistant, Content: "Check market data."},
	})

	require.Len(t, history, 4)
	assert.Equal(t, []string{"user", "model", "user", "model"},
		[]string{history[0].Role, history[1].Role, history[2].Role, history[3].Role})
	assert.Equal(t, []genai.Part{genai.Text("Start with your results. Then name a number.")}, history[1].Parts)
	assert.Equal(t, genai.Text("Check market data."), history[3].Parts[0])
}

func TestExtractText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello! "), genai.Text("Ready?")}}},
		{Content: nil},
	}}
	assert.Equal(t, "Hello! Ready?", extractText(resp))
}

func TestAllowanceKeyAndExpiry(t *testing.T) {
	user := uuid.MustParse("0f8e7a4c-1b2d-4c3e-9f00-aabbccddeeff")
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, "chat_allowance:0f8e7a4c-1b2d-4c3e-9f00-aabbccddeeff:2026-12", allowanceKey(user, now))
	assert.Equal(t, time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC), allowanceExpiry(now))
}

func TestAllowance_UnlimitedSkipsRedis(t *testing.T) {
	a := NewAllowance(nil, 0)
	remaining, err := a.Consume(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, -1, remaining)
}

// counterRedis implements the counter commands Allowance uses; any other
// command panics through the nil embedded interface.
type counterRedis struct {
	redis.Cmdable
	mu       sync.Mutex
	counts   map[string]int64
	expiries map[string]time.Time
	err      error
}

func newCounterRedis() *counterRedis {
	return &counterRedis{counts: make(map[string]int64), expiries: make(map[string]time.Time)}
}

func (c *counterRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		cmd.SetErr(c.err)
		return cmd
	}
	c.counts[key]++
	cmd.SetVal(c.counts[key])
	return cmd
}

func (c *counterRedis) Decr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]--
	cmd.SetVal(c.counts[key])
	return cmd
}

func (c *counterRedis) ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiries[key] = tm
	cmd.SetVal(true)
	return cmd
}

func TestAllowance_CountsDownAndStopsAtLimit(t *testing.T) {
	rdb := newCounterRedis()
	a := NewAllowance(rdb, 2)
	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	user := uuid.New()
	ctx := context.Background()
	key := allowanceKey(user, now)

	remaining, err := a.Consume(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, allowanceExpiry(now), rdb.expiries[key], "first charge of the month sets the expiry")

	remaining, err = a.Consume(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = a.Consume(ctx, user)
	assert.ErrorIs(t, err, ErrAllowanceExhausted)
	assert.Equal(t, int64(2), rdb.counts[key], "an exhausted allowance is not charged")

	next := now.AddDate(0, 1, 0)
	a.now = func() time.Time { return next }
	remaining, err = a.Consume(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "a new month starts a new counter")
}

func TestAllowance_RedisErrorIsReturned(t *testing.T) {
	rdb := newCounterRedis()
	rdb.err = assert.AnError
	a := NewAllowance(rdb, 5)

	_, err := a.Consume(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllowanceExhausted)
}

type published struct {
	channel string
	msg     models.WSMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	var msg models.WSMessage
	_ = json.Unmarshal([]byte(message.(string)), &msg)

	f.mu.Lock()
	f.sent = append(f.sent, published{channel: channel, msg: msg})
	f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	}
	return cmd
}

func TestEventPublisher_PublishesToUserChannel(t *testing.T) {
	pub := &fakePublisher{}
	events := NewEventPublisher(pub, zap.NewNop())
	user := uuid.New()
	ctx := context.Background()

	var observer chat.Observer = events.Observer(user)
	var notifier chat.Notifier = events.Notifier(user)

	msg := models.ChatMessage{Role: models.RoleAssistant, Content: "Hello!", Timestamp: time.Now().UTC()}
	observer.MessageAppended(ctx, "career", msg)
	observer.MessageRetracted(ctx, "career", msg)
	observer.TranscriptReset(ctx, "career")
	notifier.Notify(ctx, chat.Notice{CoachID: "career", Kind: chat.NoticeAdmissionDenied, Message: "wait", WaitSeconds: 42})

	require.Len(t, pub.sent, 4)
	for _, p := range pub.sent {
		assert.Equal(t, "chat_updates:"+user.String(), p.channel)
	}
	assert.Equal(t, models.EventMessageAppended, pub.sent[0].msg.Type)
	assert.Equal(t, models.EventMessageRetracted, pub.sent[1].msg.Type)
	assert.Equal(t, models.EventTranscriptReset, pub.sent[2].msg.Type)
	assert.Equal(t, models.EventNotice, pub.sent[3].msg.Type)

	payload, ok := pub.sent[3].msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "admission_denied", payload["kind"])
	assert.EqualValues(t, 42, payload["wait_seconds"])
}

func TestEventPublisher_PublishFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: assert.AnError}
	events := NewEventPublisher(pub, zap.NewNop())

	assert.NotPanics(t, func() {
		events.ForUser(uuid.New()).TranscriptReset(context.Background(), "career")
	})
	assert.Len(t, pub.sent, 1)
}
