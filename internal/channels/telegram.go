package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-concierge/internal/event"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramPrefix marks identities owned by the Telegram channel.
const TelegramPrefix = "telegram:"

const maxTelegramFileBytes = 20 << 20

// botAPI is the part of tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramChannel long-polls the bot API, submits inbound messages as events
// and delivers replies for "telegram:<chat_id>" identities.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	submit     Submitter
	logger     *slog.Logger
	bot        botAPI
	httpClient *http.Client
}

// NewTelegramChannel builds the channel. An empty allowlist accepts every
// sender.
func NewTelegramChannel(token string, allowedIDs []int64, submit Submitter, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		submit:     submit,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Identity returns the queue identity for a chat.
func Identity(chatID int64) string {
	return TelegramPrefix + strconv.FormatInt(chatID, 10)
}

func chatIDFromIdentity(identity string) (int64, error) {
	raw, ok := strings.CutPrefix(identity, TelegramPrefix)
	if !ok {
		return 0, fmt.Errorf("identity %q is not a telegram chat", identity)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	if len(t.allowedIDs) == 0 {
		t.logger.Warn("telegram allowlist empty; accepting all senders")
	}
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates returns nil on cancellation and an error when the update
// stream closes or stalls past twice the long-poll timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From != nil && !t.allowed(msg.From.ID) {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}
	ev, ok, err := t.toEvent(ctx, msg)
	if err != nil {
		t.logger.Warn("telegram message rejected", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	identity := Identity(msg.Chat.ID)
	depth, err := t.submit.Submit(ctx, identity, ev)
	if err != nil {
		t.logger.Error("telegram submit failed", "identity", identity, "error", err)
		return
	}
	t.logger.Debug("telegram message queued", "identity", identity, "kind", ev.Kind, "queued_items", depth)
}

// toEvent maps a Telegram message to an event. ok is false for messages
// that carry nothing to process.
func (t *TelegramChannel) toEvent(ctx context.Context, msg *tgbotapi.Message) (event.Event, bool, error) {
	if msg.Document != nil {
		data, err := t.download(ctx, msg.Document.FileID, int64(msg.Document.FileSize))
		if err != nil {
			return event.Event{}, false, err
		}
		return event.NewFile(msg.Document.FileName, data), true, nil
	}
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := t.download(ctx, photo.FileID, int64(photo.FileSize))
		if err != nil {
			return event.Event{}, false, err
		}
		return event.NewFile(photo.FileUniqueID+".jpg", data), true, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return event.Event{}, false, nil
	}
	return event.NewText(text), true, nil
}

func (t *TelegramChannel) download(ctx context.Context, fileID string, size int64) ([]byte, error) {
	if size > maxTelegramFileBytes {
		return nil, fmt.Errorf("file %s too large (%d bytes)", fileID, size)
	}
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxTelegramFileBytes))
}

// Deliver sends r to the chat named by r.Identity.
func (t *TelegramChannel) Deliver(_ context.Context, r Reply) error {
	if t.bot == nil {
		return errors.New("telegram channel not started")
	}
	if r.Empty() {
		return ErrEmptyReply
	}
	chatID, err := chatIDFromIdentity(r.Identity)
	if err != nil {
		return err
	}
	if r.File != nil {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: r.File.Filename, Bytes: r.File.Data})
		if _, err := t.bot.Send(doc); err != nil {
			return fmt.Errorf("send telegram document: %w", err)
		}
	}
	if text := strings.TrimSpace(r.Text); text != "" {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
