package channel

import (
	"context"
	"strconv"
	"sync"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers through the Bot API as Markdown messages.
// Credentials: "token", "chat_id", optional "api_url" (tests point this at a
// local server).
type Telegram struct {
	Token  string
	ChatID int64
	APIURL string

	mu  sync.Mutex
	bot *tele.Bot
}

func NewTelegram(creds map[string]string) *Telegram {
	chatID, _ := strconv.ParseInt(cred(creds, "chat_id"), 10, 64)
	return &Telegram{
		Token:  cred(creds, "token"),
		ChatID: chatID,
		APIURL: cred(creds, "api_url"),
	}
}

func (t *Telegram) Kind() Kind { return KindTelegram }

func (t *Telegram) Send(ctx context.Context, m Message) error {
	if t.Token == "" || t.ChatID == 0 {
		return ErrNotConfigured
	}
	bot, err := t.client()
	if err != nil {
		return err
	}

	// telebot has no per-call context; honor cancellation before the call.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	text := "*" + m.Title + "*\n" + m.Body
	_, err = bot.Send(tele.ChatID(t.ChatID), text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	return err
}

// client builds the bot lazily. Offline skips the getMe probe so a bad token
// surfaces on the first send instead of blocking construction.
func (t *Telegram) client() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   t.Token,
		URL:     t.APIURL,
		Offline: true,
		Client:  httpClient,
	})
	if err != nil {
		return nil, err
	}
	t.bot = b
	return b, nil
}
