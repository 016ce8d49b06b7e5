package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/models"
	"navyk-backend/internal/ratelimit"
	"navyk-backend/internal/repository"
)

var (
	revealDelay    time.Duration
	chunkCap       int
	requestTimeout time.Duration
	rateLimit      int
)

var chatCmd = &cobra.Command{
	Use:   "chat <coach>",
	Short: "Start an interactive conversation with a coach",
	Long: `Start an interactive conversation with a coach (career, resume, interview,
skills or networking). Type /reset to start over and /quit to leave.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		userID, err := userFromToken(token)
		if err != nil {
			return err
		}

		store, err := repository.NewSQLiteChatSessionRepo(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		term := &terminal{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
		p := chat.NewPipeline(chat.Config{
			Endpoint:       endpoint,
			ChunkCap:       chunkCap,
			RevealDelay:    revealDelay,
			RequestTimeout: requestTimeout,
		}, chat.Options{
			UserID:      userID,
			CoachID:     args[0],
			Store:       store,
			Credentials: chat.StaticToken(token),
			HTTP:        &http.Client{},
			Limiter:     ratelimit.NewWindow(rateLimit, time.Minute),
			Notifier:    term,
			Observer:    term,
			Logger:      logger,
		})
		defer p.Close()

		p.Load(ctx)
		printTranscript(cmd.OutOrStdout(), args[0], p.Messages())

		return runChat(ctx, cmd.InOrStdin(), term, p)
	},
}

func init() {
	chatCmd.Flags().DurationVar(&revealDelay, "reveal-delay", chat.DefaultRevealDelay, "Pause between reply bubbles")
	chatCmd.Flags().IntVar(&chunkCap, "chunk-cap", chat.DefaultChunkCap, "Soft character cap per bubble")
	chatCmd.Flags().DurationVar(&requestTimeout, "timeout", chat.DefaultRequestTimeout, "Give up on a reply after this long")
	chatCmd.Flags().IntVar(&rateLimit, "rate-limit", 10, "Messages allowed per minute")
}

// userFromToken reads the user id claim without verifying the signature;
// the chat function does the verification.
func userFromToken(tokenStr string) (uuid.UUID, error) {
	if tokenStr == "" {
		return uuid.Nil, errors.New("no token: set NAVYK_TOKEN or pass --token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return uuid.Nil, fmt.Errorf("malformed token: %w", err)
	}
	raw, _ := claims["user_id"].(string)
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token has no valid user_id claim: %w", err)
	}
	return userID, nil
}

// runChat reads user lines from in and runs one turn per line until in is
// exhausted, the user quits or ctx is canceled.
func runChat(ctx context.Context, in io.Reader, term *terminal, p *chat.Pipeline) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	term.prompt()
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/reset":
			p.Reset()
			term.prompt()
			continue
		}

		err := p.Submit(line)
		var admission *chat.AdmissionError
		switch {
		case err == nil:
			// Failures were already reported through the notifier.
			_ = p.Wait()
		case errors.Is(err, chat.ErrEmptyMessage), errors.As(err, &admission):
		default:
			return err
		}
		term.prompt()
	}
}

func printTranscript(w io.Writer, coachID string, msgs []models.ChatMessage) {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "New conversation with the %s coach.\n", coachID)
		return
	}
	for _, m := range msgs {
		who := "you"
		if m.Role == models.RoleAssistant {
			who = coachID
		}
		fmt.Fprintf(w, "[%s] %s › %s\n", m.Timestamp.Local().Format("Jan 2 15:04"), who, m.Content)
	}
}

// terminal renders pipeline activity as chat bubbles.
type terminal struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func (t *terminal) prompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "> ")
}

func (t *terminal) MessageAppended(_ context.Context, coachID string, msg models.ChatMessage) {
	if msg.Role != models.RoleAssistant {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%s › %s\n", coachID, msg.Content)
}

func (t *terminal) MessageRetracted(_ context.Context, _ string, msg models.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.errOut, "  (not sent: %q)\n", msg.Content)
}

func (t *terminal) TranscriptReset(context.Context, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, "-- new conversation --")
}

func (t *terminal) Notify(_ context.Context, n chat.Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.errOut, "! %s\n", n.Message)
}
