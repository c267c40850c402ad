package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const offsetKey = "watcher.chat.offset"

// Telegram is the chat watcher source. Each poll fetches pending updates
// after the stored offset and keeps messages from allowed chats that contain
// a monitored keyword. The origin ref is "<chat id>/<message id>".
type Telegram struct {
	token    string
	allowed  map[int64]struct{}
	keywords []string
	kv       KV
	logger   *slog.Logger

	mu      sync.Mutex
	api     UpdateFetcher
	pending int // offset to store on Commit; 0 = nothing new
}

func NewTelegram(cfg config.ChatWatcherConfig, kv KV, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = struct{}{}
	}
	var keywords []string
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Telegram{
		token:    cfg.Token,
		allowed:  allowed,
		keywords: keywords,
		kv:       kv,
		logger:   logger.With("channel", "telegram"),
	}
}

// WithAPI replaces the Bot API client, for tests and custom endpoints.
func (t *Telegram) WithAPI(api UpdateFetcher) *Telegram {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.api = api
	return t
}

func (t *Telegram) Name() string { return "chat" }

func (t *Telegram) client() (UpdateFetcher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}
	if t.token == "" {
		return nil, errors.New("telegram token is not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	t.api = bot
	return bot, nil
}

func (t *Telegram) Poll(ctx context.Context) ([]intake.Event, error) {
	api, err := t.client()
	if err != nil {
		return nil, err
	}
	offset := 0
	if raw, err := t.kv.KVGet(ctx, offsetKey); err != nil {
		return nil, fmt.Errorf("read chat offset: %w", err)
	} else if raw != "" {
		offset, _ = strconv.Atoi(raw)
	}

	u := tgbotapi.NewUpdate(offset)
	u.Timeout = 0
	u.Limit = 100
	updates, err := api.GetUpdates(u)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	var out []intake.Event
	next := 0
	for _, upd := range updates {
		if upd.UpdateID >= next {
			next = upd.UpdateID + 1
		}
		msg := upd.Message
		if msg == nil {
			msg = upd.ChannelPost
		}
		if msg == nil || msg.Chat == nil {
			continue
		}
		if ev, ok := t.toEvent(msg); ok {
			out = append(out, ev)
		}
	}

	t.mu.Lock()
	t.pending = next
	t.mu.Unlock()
	return out, nil
}

// Commit stores the offset past the last update seen by Poll.
func (t *Telegram) Commit(ctx context.Context) error {
	t.mu.Lock()
	next := t.pending
	t.pending = 0
	t.mu.Unlock()
	if next == 0 {
		return nil
	}
	return t.kv.KVSet(ctx, offsetKey, strconv.Itoa(next))
}

func (t *Telegram) toEvent(msg *tgbotapi.Message) (intake.Event, bool) {
	if len(t.allowed) > 0 {
		if _, ok := t.allowed[msg.Chat.ID]; !ok {
			t.logger.Debug("message from unmonitored chat", "chat_id", msg.Chat.ID)
			return intake.Event{}, false
		}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" || !t.matches(text) {
		return intake.Event{}, false
	}

	sender := msg.Chat.Title
	if msg.From != nil {
		sender = msg.From.UserName
		if sender == "" {
			sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
	}
	return intake.Event{
		Source:    persistence.SourceChat,
		OriginRef: fmt.Sprintf("%d/%d", msg.Chat.ID, msg.MessageID),
		Sender:    sender,
		Subject:   chatTitle(msg.Chat),
		Content:   text,
	}, true
}

// matches is true when no keywords are configured or the text contains one.
func (t *Telegram) matches(text string) bool {
	if len(t.keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, k := range t.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func chatTitle(c *tgbotapi.Chat) string {
	switch {
	case c.Title != "":
		return "Chat: " + c.Title
	case c.UserName != "":
		return "Chat with @" + c.UserName
	default:
		return "Chat " + strconv.FormatInt(c.ID, 10)
	}
}
