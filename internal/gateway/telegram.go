package gateway

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Telegram adapts the Bot API to the Gateway interface. Updates are handled
// one goroutine each; consumers are responsible for their own locking.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger

	mu       sync.RWMutex
	texts    []TextHandler
	controls []ControlHandler
}

func NewTelegram(token string, logger *zap.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Telegram{api: api, logger: logger}, nil
}

// Run blocks consuming the update channel until it is closed.
func (t *Telegram) Run() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)
	for update := range updates {
		switch {
		case update.Message != nil:
			ev := TextEvent{
				ChatID: update.Message.Chat.ID,
				Text:   update.Message.Text,
			}
			if update.Message.From != nil {
				ev.Username = update.Message.From.UserName
			}
			go t.dispatchText(ev)
		case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
			ev := ControlEvent{
				CallbackID: update.CallbackQuery.ID,
				ChatID:     update.CallbackQuery.Message.Chat.ID,
				Username:   update.CallbackQuery.From.UserName,
				MessageID:  update.CallbackQuery.Message.MessageID,
				Data:       update.CallbackQuery.Data,
			}
			go t.dispatchControl(ev)
		}
	}
	return nil
}

func (t *Telegram) dispatchText(ev TextEvent) {
	t.mu.RLock()
	handlers := t.texts
	t.mu.RUnlock()

	for _, h := range handlers {
		if h.Match(ev) {
			h.Handle(ev)
			return
		}
	}
}

func (t *Telegram) dispatchControl(ev ControlEvent) {
	t.mu.RLock()
	handlers := t.controls
	t.mu.RUnlock()

	for _, h := range handlers {
		if h.Match(ev) {
			h.Handle(ev)
			return
		}
	}
	t.logger.Debug("unhandled control event",
		zap.Int64("chat_id", ev.ChatID),
		zap.String("data", ev.Data))
}

func (t *Telegram) RegisterTextHandler(h TextHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, h)
}

func (t *Telegram) RegisterControlHandler(h ControlHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.controls = append(t.controls, h)
}

func (t *Telegram) SendMessage(chatID int64, text string) error {
	_, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		t.logger.Error("failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
	return err
}

func (t *Telegram) SendControls(chatID int64, text string, controls Controls) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard(controls)

	sent, err := t.api.Send(msg)
	if err != nil {
		t.logger.Error("failed to send controls",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("kind", controls.Kind))
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditControls(chatID int64, messageID int, controls *Controls) error {
	markup := tgbotapi.NewInlineKeyboardMarkup()
	if controls != nil {
		markup = keyboard(*controls)
	} else {
		// An empty keyboard clears the buttons; the API rejects a nil one.
		markup.InlineKeyboard = [][]tgbotapi.InlineKeyboardButton{}
	}

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup)
	if _, err := t.api.Send(edit); err != nil {
		t.logger.Error("failed to edit controls",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID))
		return err
	}
	return nil
}

func (t *Telegram) AnswerControl(callbackID, text string) error {
	_, err := t.api.Request(tgbotapi.NewCallback(callbackID, text))
	if err != nil {
		t.logger.Error("failed to answer callback", zap.Error(err))
	}
	return err
}

func (t *Telegram) SendDocument(chatID int64, filename string, data []byte) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	if _, err := t.api.Send(doc); err != nil {
		t.logger.Error("failed to send document",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		return err
	}
	return nil
}

func keyboard(controls Controls) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(controls.Options))
	for _, opt := range controls.Options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(opt.Label, controls.Data(opt.Value)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
