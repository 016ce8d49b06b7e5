// Package chat runs coach conversations: it submits turns to the remote chat
// function, consumes its event stream, splits the answer into bubbles and
// reveals them one at a time while persisting the exchange.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"navyk-backend/internal/models"
	"navyk-backend/internal/ratelimit"
)

const (
	DefaultRevealDelay    = 1200 * time.Millisecond
	DefaultRequestTimeout = 60 * time.Second

	persistTimeout = 10 * time.Second
	readBufferSize = 4096
)

type Config struct {
	Endpoint       string
	ChunkCap       int
	RevealDelay    time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		ChunkCap:       DefaultChunkCap,
		RevealDelay:    DefaultRevealDelay,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Options carries the collaborators of a pipeline. Store, Credentials and
// HTTP are required; the rest default to no-ops or the wall clock.
type Options struct {
	UserID      uuid.UUID
	CoachID     string
	Store       SessionStore
	Credentials CredentialProvider
	HTTP        Doer
	Limiter     *ratelimit.Window
	LimiterKey  string
	Notifier    Notifier
	Observer    Observer
	Logger      *zap.Logger
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Pipeline is the chat state of one (user, coach) conversation. At most one
// turn is in flight at a time; submissions during a turn are rejected.
type Pipeline struct {
	cfg      Config
	userID   uuid.UUID
	coachID  string
	store    SessionStore
	creds    CredentialProvider
	http     Doer
	limiter  *ratelimit.Window
	limitKey string
	notifier Notifier
	observer Observer
	log      *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	messages   []models.ChatMessage
	sessionID  *uuid.UUID
	inFlight   bool
	generation uint64
	cancelTurn context.CancelFunc
	done       chan struct{}
	lastErr    error
	closed     bool
	lastUsed   time.Time
}

// turn is the state captured when a submission is admitted.
type turn struct {
	ctx        context.Context
	generation uint64
	prior      []models.ChatMessage
	user       models.ChatMessage
	index      int
	sessionID  *uuid.UUID
}

func NewPipeline(cfg Config, opts Options) *Pipeline {
	if cfg.ChunkCap <= 0 {
		cfg.ChunkCap = DefaultChunkCap
	}
	if cfg.RevealDelay < 0 {
		cfg.RevealDelay = 0
	}

	p := &Pipeline{
		cfg:      cfg,
		userID:   opts.UserID,
		coachID:  opts.CoachID,
		store:    opts.Store,
		creds:    opts.Credentials,
		http:     opts.HTTP,
		limiter:  opts.Limiter,
		limitKey: opts.LimiterKey,
		notifier: opts.Notifier,
		observer: opts.Observer,
		log:      opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if p.http == nil {
		p.http = http.DefaultClient
	}
	if p.notifier == nil {
		p.notifier = nopNotifier{}
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	p.log = p.log.With(zap.String("user_id", p.userID.String()), zap.String("coach_id", p.coachID))
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.limitKey == "" {
		p.limitKey = p.userID.String()
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.lastUsed = p.now()
	return p
}

func (p *Pipeline) CoachID() string { return p.coachID }

func (p *Pipeline) UserID() uuid.UUID { return p.userID }

// Load resumes the most recently updated session for the pipeline's user and
// coach. History is best-effort: failures are logged and leave the
// transcript empty.
func (p *Pipeline) Load(ctx context.Context) {
	var (
		sessionID *uuid.UUID
		msgs      []models.ChatMessage
	)

	session, err := p.store.FindLatest(ctx, p.userID, p.coachID)
	switch {
	case err != nil:
		p.log.Warn("failed to load chat history", zap.Error(err))
	case session != nil:
		id := session.ID
		sessionID = &id
		msgs, err = models.DecodeChatMessages(session.MessagesJSON, p.now())
		if err != nil {
			p.log.Warn("failed to decode chat history", zap.String("session_id", id.String()), zap.Error(err))
			msgs = nil
		}
	}

	p.mu.Lock()
	p.stopTurnLocked()
	p.messages = msgs
	p.sessionID = sessionID
	p.lastUsed = p.now()
	p.mu.Unlock()
}

// Submit starts a turn for text. The user message is appended immediately
// and the response is streamed, persisted and revealed in the background.
func (p *Pipeline) Submit(text string) error {
	content := strings.TrimSpace(text)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if content == "" {
		p.mu.Unlock()
		return ErrEmptyMessage
	}
	if p.inFlight {
		p.mu.Unlock()
		return ErrTurnInFlight
	}

	if p.limiter != nil {
		if d := p.limiter.Admit(p.limitKey); !d.Allowed {
			p.mu.Unlock()
			wait := d.WaitSeconds()
			p.notifier.Notify(p.ctx, Notice{
				CoachID:     p.coachID,
				Kind:        NoticeAdmissionDenied,
				Message:     fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds.", wait),
				WaitSeconds: wait,
			})
			return &AdmissionError{WaitSeconds: wait}
		}
	}

	userTS := p.now()
	if n := len(p.messages); n > 0 && userTS.Before(p.messages[n-1].Timestamp) {
		userTS = p.messages[n-1].Timestamp
	}

	tctx, tcancel := context.WithCancel(p.ctx)
	t := &turn{
		ctx:        tctx,
		generation: p.generation,
		prior:      append([]models.ChatMessage(nil), p.messages...),
		user:       models.ChatMessage{Role: models.RoleUser, Content: content, Timestamp: userTS},
		index:      len(p.messages),
		sessionID:  copyID(p.sessionID),
	}
	p.messages = append(p.messages, t.user)
	p.inFlight = true
	p.cancelTurn = tcancel
	done := make(chan struct{})
	p.done = done
	p.lastErr = nil
	p.lastUsed = t.user.Timestamp
	p.wg.Add(1)
	p.mu.Unlock()

	p.observer.MessageAppended(tctx, p.coachID, t.user)

	go func() {
		defer p.wg.Done()
		defer close(done)
		defer tcancel()

		err := p.runTurn(t)

		p.mu.Lock()
		if p.generation == t.generation {
			p.inFlight = false
			p.cancelTurn = nil
			p.lastErr = err
			p.lastUsed = p.now()
		}
		p.mu.Unlock()
	}()

	return nil
}

// Wait blocks until the current turn, reveal included, has finished and
// returns its error.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reset clears the local transcript and session handle. A turn still running
// is canceled and no longer touches local state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.stopTurnLocked()
	p.messages = nil
	p.sessionID = nil
	p.lastErr = nil
	p.lastUsed = p.now()
	p.mu.Unlock()

	p.observer.TranscriptReset(p.ctx, p.coachID)
}

// Close cancels any running turn and waits for it to exit.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) Messages() []models.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChatMessage(nil), p.messages...)
}

func (p *Pipeline) SessionID() *uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyID(p.sessionID)
}

func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// IdleSince reports when the pipeline was last used, and false while a turn
// is in flight.
func (p *Pipeline) IdleSince() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed, !p.inFlight
}

// stopTurnLocked detaches the running turn from local state. Caller holds mu.
func (p *Pipeline) stopTurnLocked() {
	p.generation++
	p.inFlight = false
	if p.cancelTurn != nil {
		p.cancelTurn()
		p.cancelTurn = nil
	}
}

func (p *Pipeline) runTurn(t *turn) error {
	sessionID, err := p.ensureSession(t)
	if err != nil {
		return p.fail(t, &TurnError{Failure: classify(t.ctx, FailureGeneric), Err: err})
	}

	token, err := p.creds.BearerToken(t.ctx)
	if err != nil {
		return p.fail(t, &TurnError{Failure: classify(t.ctx, FailureGeneric), Err: fmt.Errorf("failed to get credentials: %w", err)})
	}

	full, terr := p.stream(t, sessionID, token)
	if terr != nil {
		return p.fail(t, terr)
	}

	chunks := SplitChunks(full, p.cfg.ChunkCap)
	if len(chunks) == 0 {
		p.log.Warn("chat function returned an empty response", zap.String("session_id", sessionID.String()))
	}
	replies := p.stamp(t.user, chunks)

	p.persist(t, sessionID, replies)
	p.reveal(t, replies)
	return nil
}

func (p *Pipeline) ensureSession(t *turn) (uuid.UUID, error) {
	if t.sessionID != nil {
		return *t.sessionID, nil
	}

	id, err := p.store.Create(t.ctx, p.userID, p.coachID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create chat session: %w", err)
	}

	p.mu.Lock()
	if p.generation == t.generation {
		p.sessionID = &id
	}
	p.mu.Unlock()
	return id, nil
}

// stream posts the transcript to the chat function and assembles the full
// response from its event stream.
func (p *Pipeline) stream(t *turn, sessionID uuid.UUID, token string) (string, *TurnError) {
	ctx := t.ctx
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	turns := make([]models.ChatTurn, 0, len(t.prior)+1)
	for _, m := range t.prior {
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, models.ChatTurn{Role: t.user.Role, Content: t.user.Content})

	sid := sessionID.String()
	body, err := json.Marshal(models.ChatFunctionRequest{Messages: turns, CoachID: p.coachID, SessionID: &sid})
	if err != nil {
		return "", &TurnError{Failure: FailureGeneric, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &TurnError{Failure: FailureGeneric, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &TurnError{Failure: classify(ctx, FailureGeneric), Err: fmt.Errorf("request failed: %w", err)}
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failure := FailureGeneric
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			failure = FailureRateLimited
		case http.StatusPaymentRequired:
			failure = FailurePaymentRequired
		}
		return "", &TurnError{Failure: failure, Status: resp.StatusCode, Err: fmt.Errorf("chat function returned %s", resp.Status)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return "", &TurnError{Failure: FailureGeneric, Status: resp.StatusCode, Err: errors.New("chat function returned no body")}
	}

	parser := NewStreamParser(p.log)
	var full strings.Builder
	buf := make([]byte, readBufferSize)
	for !parser.Done() {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, fragment := range parser.Feed(buf[:n]) {
				full.WriteString(fragment)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", &TurnError{Failure: classify(ctx, FailureGeneric), Err: fmt.Errorf("stream read failed: %w", rerr)}
		}
	}
	for _, fragment := range parser.Flush() {
		full.WriteString(fragment)
	}
	if !parser.Done() {
		p.log.Warn("chat stream closed without completion marker, reply may be cut off",
			zap.String("session_id", sessionID.String()),
			zap.Int("response_bytes", full.Len()))
	}

	return full.String(), nil
}

// stamp turns chunks into assistant messages. Chunk i is stamped at
// base + i*step, where base is never earlier than the user message, so the
// last chunk is not dated after it is revealed.
func (p *Pipeline) stamp(user models.ChatMessage, chunks []string) []models.ChatMessage {
	base := p.now()
	if base.Before(user.Timestamp) {
		base = user.Timestamp
	}
	step := p.cfg.RevealDelay
	if step <= 0 {
		step = time.Millisecond
	}

	replies := make([]models.ChatMessage, len(chunks))
	for i, chunk := range chunks {
		replies[i] = models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   chunk,
			Timestamp: base.Add(time.Duration(i) * step),
		}
	}
	return replies
}

// persist writes prior messages, the user turn and every reply. It runs as
// soon as the reply text is known; failures only affect future reloads.
func (p *Pipeline) persist(t *turn, sessionID uuid.UUID, replies []models.ChatMessage) {
	msgs := make([]models.ChatMessage, 0, len(t.prior)+1+len(replies))
	msgs = append(msgs, t.prior...)
	msgs = append(msgs, t.user)
	msgs = append(msgs, replies...)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), persistTimeout)
	defer cancel()

	if err := p.store.UpdateMessages(ctx, sessionID, msgs, p.now()); err != nil {
		p.log.Error("failed to persist chat session",
			zap.String("session_id", sessionID.String()),
			zap.Int("messages", len(msgs)),
			zap.Error(err))
	}
}

// reveal appends replies to the visible transcript one at a time, waiting
// RevealDelay between them. It stops early if the turn is canceled.
func (p *Pipeline) reveal(t *turn, replies []models.ChatMessage) {
	for i, msg := range replies {
		if i > 0 {
			if err := p.sleep(t.ctx, p.cfg.RevealDelay); err != nil {
				return
			}
		}

		p.mu.Lock()
		current := p.generation == t.generation
		if current {
			p.messages = append(p.messages, msg)
		}
		p.mu.Unlock()
		if !current {
			return
		}

		p.observer.MessageAppended(t.ctx, p.coachID, msg)
	}
}

// fail notifies the user and retracts the optimistic user message.
func (p *Pipeline) fail(t *turn, terr *TurnError) error {
	if terr.Failure == FailureCanceled {
		p.log.Info("chat turn canceled", zap.Error(terr.Err))
	} else {
		p.log.Warn("chat turn failed",
			zap.String("failure", terr.Failure.String()),
			zap.Int("status", terr.Status),
			zap.Error(terr.Err))
		p.notifier.Notify(context.WithoutCancel(t.ctx), noticeFor(p.coachID, terr.Failure))
	}

	p.mu.Lock()
	retracted := false
	if p.generation == t.generation && t.index < len(p.messages) && sameMessage(p.messages[t.index], t.user) {
		p.messages = append(p.messages[:t.index:t.index], p.messages[t.index+1:]...)
		retracted = true
	}
	p.mu.Unlock()

	if retracted {
		p.observer.MessageRetracted(context.WithoutCancel(t.ctx), p.coachID, t.user)
	}
	return terr
}

func noticeFor(coachID string, f Failure) Notice {
	n := Notice{CoachID: coachID}
	switch f {
	case FailureRateLimited:
		n.Kind = NoticeRateLimited
		n.Message = "Too many requests. Please try again in a moment."
	case FailurePaymentRequired:
		n.Kind = NoticePaymentRequired
		n.Message = "Your coaching balance is used up. Please top up to keep chatting."
	case FailureTimeout:
		n.Kind = NoticeTimeout
		n.Message = "Your coach took too long to respond. Please try again."
	default:
		n.Kind = NoticeFailed
		n.Message = "Failed to get a response from your coach. Please try again."
	}
	return n
}

// classify maps a context error to a failure, or returns fallback.
func classify(ctx context.Context, fallback Failure) Failure {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return FailureCanceled
	default:
		return fallback
	}
}

func sameMessage(a, b models.ChatMessage) bool {
	return a.Role == b.Role && a.Content == b.Content && a.Timestamp.Equal(b.Timestamp)
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
