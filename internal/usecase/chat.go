package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"debate-agent/internal/domain"
)

const (
	defaultHistoryWindow = 5
	maxMessageChars      = 4000

	metaTTL       = 7 * 24 * time.Hour
	windowTTL     = 7 * 24 * time.Hour
	replyCacheTTL = 60 * time.Second
	lockTTL       = 10 * time.Second
	lockBackoff   = 100 * time.Millisecond

	generationTimeout = 20 * time.Second

	// Stance default used at reply time when metadata expired or never
	// carried one. Distinct from the extraction-time default on purpose.
	replyTimeTopicFallback  = "Use the initial instruction as the topic."
	replyTimeStanceFallback = "Adopt a clear position based on the initial instruction and defend it."

	// Deterministic reply substituted when generation exceeds its deadline.
	timeoutFallbackReply = "I am experiencing temporary delays. Here is a concise argument maintaining my stance: " +
		"The position remains well supported by the points already presented."
)

// sleepBetweenLockRetries is overridable so tests do not wait out the backoff.
var sleepBetweenLockRetries = time.Sleep

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// LogStore is the durable, append-only conversation log.
type LogStore interface {
	AppendMessage(ctx context.Context, conversationID, role, text string) (domain.Message, error)
	GetLastN(ctx context.Context, conversationID string, n int) ([]domain.Message, error)
}

// WindowStore is the volatile side of conversation state: metadata, the
// sliding window, and the short-lived reply cache. Calls are independently
// atomic; this service composes them into a consistent protocol.
type WindowStore interface {
	GetMeta(ctx context.Context, conversationID string) (map[string]string, error)
	SetMeta(ctx context.Context, conversationID string, meta map[string]string) error
	ExpireMeta(ctx context.Context, conversationID string, ttl time.Duration) error
	AppendToWindow(ctx context.Context, conversationID, role, text string) error
	GetWindow(ctx context.Context, conversationID string, lastN int) ([]domain.WindowEntry, error)
	TrimWindow(ctx context.Context, conversationID string, keepLastN int) error
	ExpireWindow(ctx context.Context, conversationID string, ttl time.Duration) error
	GetCachedReply(ctx context.Context, conversationID, userText string) (string, bool, error)
	SetCachedReply(ctx context.Context, conversationID, userText, reply string, ttl time.Duration) error
}

// Locker is the per-conversation mutual-exclusion primitive.
type Locker interface {
	Acquire(ctx context.Context, conversationID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, conversationID string) error
}

// ChatService coordinates the durable log, the window cache, the lock, and
// the reply generator to process one conversation turn end to end.
type ChatService struct {
	params        ParamGetter
	llm           LLMClient
	log           LogStore
	window        WindowStore
	lock          Locker
	paramPrefix   string
	historyWindow int

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

type ChatInput struct {
	ConversationID string
	Message        string
}

type ChatOutput struct {
	ConversationID string
	Messages       []domain.WindowEntry
}

func NewChatService(p ParamGetter, llm LLMClient, log LogStore, window WindowStore, lock Locker, paramPrefix string, historyWindow int) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if log == nil {
		return nil, errors.New("usecase: log store must not be nil")
	}
	if window == nil {
		return nil, errors.New("usecase: window store must not be nil")
	}
	if lock == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &ChatService{
		params:        p,
		llm:           llm,
		log:           log,
		window:        window,
		lock:          lock,
		paramPrefix:   paramPrefix,
		historyWindow: historyWindow,
	}, nil
}

// HandleTurn processes one incoming message and returns the conversation
// identifier plus the bounded recent window, oldest first.
func (s *ChatService) HandleTurn(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	// Characters, not bytes: multibyte input must get the full budget.
	if utf8.RuneCountInString(message) > maxMessageChars {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return s.handleNewConversation(ctx, message)
	}
	if !ValidConversationID(convID) {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_conversation_id", nil)
	}
	return s.handleExistingConversation(ctx, convID, message)
}

func (s *ChatService) handleNewConversation(ctx context.Context, message string) (ChatOutput, error) {
	convID := newConversationID()
	topic, stance := extractTopicAndStance(message)

	meta := map[string]string{
		"topic":      topic,
		"stance":     stance,
		"created_at": strconv.FormatInt(time.Now().Unix(), 10),
		"turn_count": "0",
	}
	if err := s.window.SetMeta(ctx, convID, meta); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_meta_error", err)
	}
	if err := s.window.ExpireMeta(ctx, convID, metaTTL); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_meta_error", err)
	}

	if err := s.recordTurnMessage(ctx, convID, domain.RoleUser, message); err != nil {
		return ChatOutput{}, err
	}
	if err := s.window.ExpireWindow(ctx, convID, windowTTL); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_window_error", err)
	}

	reply, err := s.produceReply(ctx, convID, message)
	if err != nil {
		return ChatOutput{}, err
	}
	if err := s.recordTurnMessage(ctx, convID, domain.RoleBot, reply); err != nil {
		return ChatOutput{}, err
	}

	if err := s.incrementTurnCount(ctx, convID); err != nil {
		return ChatOutput{}, err
	}
	return s.currentWindowOutput(ctx, convID)
}

func (s *ChatService) handleExistingConversation(ctx context.Context, convID, message string) (ChatOutput, error) {
	locked, err := s.lock.Acquire(ctx, convID, lockTTL)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "lock_error", err)
	}
	if !locked {
		sleepBetweenLockRetries(lockBackoff)
		locked, err = s.lock.Acquire(ctx, convID, lockTTL)
		if err != nil {
			return ChatOutput{}, newError(ErrorInternal, "lock_error", err)
		}
		if !locked {
			// Another request is actively processing this conversation.
			// Drop this turn and return the current window as-is.
			window, err := s.ensureWindow(ctx, convID)
			if err != nil {
				return ChatOutput{}, err
			}
			return ChatOutput{ConversationID: convID, Messages: window}, nil
		}
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), convID); err != nil {
			slog.Warn("failed to release conversation lock", "conversation_id", convID, "err", err)
		}
	}()

	cached, found, err := s.window.GetCachedReply(ctx, convID, message)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_reply_error", err)
	}
	if found {
		// Immediate retry of an already-answered turn: replay without
		// invoking generation again.
		if err := s.recordTurnMessage(ctx, convID, domain.RoleUser, message); err != nil {
			return ChatOutput{}, err
		}
		if err := s.recordTurnMessage(ctx, convID, domain.RoleBot, cached); err != nil {
			return ChatOutput{}, err
		}
		if err := s.incrementTurnCount(ctx, convID); err != nil {
			return ChatOutput{}, err
		}
		return s.currentWindowOutput(ctx, convID)
	}

	if _, err := s.ensureWindow(ctx, convID); err != nil {
		return ChatOutput{}, err
	}

	if err := s.recordTurnMessage(ctx, convID, domain.RoleUser, message); err != nil {
		return ChatOutput{}, err
	}

	reply, err := s.produceReply(ctx, convID, message)
	if err != nil {
		return ChatOutput{}, err
	}
	if err := s.recordTurnMessage(ctx, convID, domain.RoleBot, reply); err != nil {
		return ChatOutput{}, err
	}

	if err := s.window.SetCachedReply(ctx, convID, message, reply, replyCacheTTL); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_reply_error", err)
	}
	if err := s.incrementTurnCount(ctx, convID); err != nil {
		return ChatOutput{}, err
	}
	return s.currentWindowOutput(ctx, convID)
}

// recordTurnMessage appends one message to the durable log, then mirrors it
// into the window and trims back to capacity. The log write happens first:
// on a partial failure the cache can always be rebuilt from the log.
func (s *ChatService) recordTurnMessage(ctx context.Context, convID, role, text string) error {
	if _, err := s.log.AppendMessage(ctx, convID, role, text); err != nil {
		return newError(ErrorInternal, "log_append_error", err)
	}
	if err := s.window.AppendToWindow(ctx, convID, role, text); err != nil {
		return newError(ErrorInternal, "cache_window_error", err)
	}
	if err := s.window.TrimWindow(ctx, convID, s.historyWindow); err != nil {
		return newError(ErrorInternal, "cache_window_error", err)
	}
	return nil
}

// produceReply builds the prompts from metadata and the recent window and
// invokes generation under a fixed overall deadline. Exceeding the deadline
// yields the deterministic fallback, not a request failure.
func (s *ChatService) produceReply(ctx context.Context, convID, latestUserMessage string) (string, error) {
	meta, err := s.window.GetMeta(ctx, convID)
	if err != nil {
		return "", newError(ErrorInternal, "cache_meta_error", err)
	}
	topic := meta["topic"]
	if topic == "" {
		topic = replyTimeTopicFallback
	}
	stance := meta["stance"]
	if stance == "" {
		stance = replyTimeStanceFallback
	}

	recent, err := s.window.GetWindow(ctx, convID, s.historyWindow)
	if err != nil {
		return "", newError(ErrorInternal, "cache_window_error", err)
	}
	if len(recent) == 0 {
		recent, err = s.rehydrateWindow(ctx, convID)
		if err != nil {
			return "", err
		}
	}

	messages := []domain.ChatMessage{
		{Role: "system", Content: buildSystemPrompt(topic, stance)},
		{Role: "user", Content: buildUserPrompt(latestUserMessage, recent)},
	}

	genCtx, cancel := context.WithTimeout(ctx, generationTimeout)
	defer cancel()

	raw, err := s.llm.Chat(genCtx, s.model, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			raw = timeoutFallbackReply
		} else {
			return "", newError(ErrorUpstream, "openai_error", err)
		}
	}

	reply := strings.TrimSpace(raw)
	if reply == "" {
		reply = "..."
	}
	return reply, nil
}

// ensureWindow returns the cached window, rehydrating it from the durable
// log when empty. Safe to call when the cache is already warm.
func (s *ChatService) ensureWindow(ctx context.Context, convID string) ([]domain.WindowEntry, error) {
	window, err := s.window.GetWindow(ctx, convID, s.historyWindow)
	if err != nil {
		return nil, newError(ErrorInternal, "cache_window_error", err)
	}
	if len(window) > 0 {
		return window, nil
	}
	return s.rehydrateWindow(ctx, convID)
}

// rehydrateWindow replays the last K messages from the durable log, whose
// total order is authoritative, back into the cache.
func (s *ChatService) rehydrateWindow(ctx context.Context, convID string) ([]domain.WindowEntry, error) {
	records, err := s.log.GetLastN(ctx, convID, s.historyWindow)
	if err != nil {
		return nil, newError(ErrorInternal, "log_history_error", err)
	}
	for _, rec := range records {
		if err := s.window.AppendToWindow(ctx, convID, rec.Role, rec.Text); err != nil {
			return nil, newError(ErrorInternal, "cache_window_error", err)
		}
	}
	if err := s.window.TrimWindow(ctx, convID, s.historyWindow); err != nil {
		return nil, newError(ErrorInternal, "cache_window_error", err)
	}
	if err := s.window.ExpireWindow(ctx, convID, windowTTL); err != nil {
		return nil, newError(ErrorInternal, "cache_window_error", err)
	}

	entries := make([]domain.WindowEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, domain.WindowEntry{Role: rec.Role, Message: rec.Text})
	}
	return entries, nil
}

// incrementTurnCount is a read-modify-write on the metadata hash. Not
// atomic; the single-lock-holder invariant keeps it safe, and a brand-new
// conversation has no concurrent writer.
func (s *ChatService) incrementTurnCount(ctx context.Context, convID string) error {
	meta, err := s.window.GetMeta(ctx, convID)
	if err != nil {
		return newError(ErrorInternal, "cache_meta_error", err)
	}
	turns := 1
	if prev, convErr := strconv.Atoi(meta["turn_count"]); convErr == nil {
		turns = prev + 1
	}
	meta["turn_count"] = strconv.Itoa(turns)
	if err := s.window.SetMeta(ctx, convID, meta); err != nil {
		return newError(ErrorInternal, "cache_meta_error", err)
	}
	if err := s.window.ExpireMeta(ctx, convID, metaTTL); err != nil {
		return newError(ErrorInternal, "cache_meta_error", err)
	}
	return nil
}

func (s *ChatService) currentWindowOutput(ctx context.Context, convID string) (ChatOutput, error) {
	window, err := s.window.GetWindow(ctx, convID, s.historyWindow)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "cache_window_error", err)
	}
	return ChatOutput{ConversationID: convID, Messages: window}, nil
}

// ensureConfig loads runtime parameters (the model name) from SSM on first
// use and caches them for the process lifetime.
func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.model = model
	s.cacheLoaded = true
	return nil
}
