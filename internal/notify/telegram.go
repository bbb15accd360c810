package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/config"
)

// TelegramBot is the slice of the bot API the notifier uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramNotifier posts action items to one operator chat. The bot is
// created lazily on first use.
type TelegramNotifier struct {
	token      string
	chatID     int64
	proxy      string
	botFactory BotFactory

	mu  sync.Mutex
	bot TelegramBot
}

func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(cfg, defaultBotFactory)
}

func NewTelegramNotifierWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	return &TelegramNotifier{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		botFactory: factory,
	}, nil
}

func (t *TelegramNotifier) ensureBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[notify] telegram authorized as @%s", bot.GetSelf().UserName)
	return bot, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, item actions.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}

	text := formatItem(item)
	msg := tgbotapi.NewMessage(t.chatID, toTelegramHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := bot.Send(msg); err != nil {
		// Retry as plain text.
		msg.ParseMode = ""
		msg.Text = text
		if _, err2 := bot.Send(msg); err2 != nil {
			return fmt.Errorf("send telegram message: %w", err2)
		}
	}
	return nil
}

func formatItem(item actions.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", strings.ReplaceAll(string(item.Kind), "_", " "))
	fmt.Fprintf(&b, "member: `%s`\ngoal: %d (attempt %d)\n", item.MemberID, item.GoalID, item.Attempt)
	if item.Detail != "" {
		b.WriteString(item.Detail)
	}
	return b.String()
}

// toTelegramHTML escapes HTML entities and converts **bold** and `code`.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = replacePairs(s, "`", "<code>", "</code>")
	s = replacePairs(s, "**", "<b>", "</b>")
	return s
}

func replacePairs(s, marker, openTag, closeTag string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + openTag + s[start+len(marker):end] + closeTag + s[end+len(marker):]
	}
}
