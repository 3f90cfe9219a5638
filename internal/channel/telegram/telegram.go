// Package telegram delivers alarms as Telegram messages and answers /start
// with the chat id a memo should be linked to.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"memoalarm/internal/channel"
	rtsup "memoalarm/internal/runtime/supervisor"
	logx "memoalarm/pkg/logx"
)

type Config struct {
	Token       string
	Poll        bool // answer /start; needs getUpdates
	PollTimeout time.Duration
	RatePerSec  float64
}

// api is the slice of *tele.Bot the adapter calls.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	api     api
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, log, b)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger, api api) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		// Telegram allows about 30 messages per second across chats.
		rps = 25
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
	}
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/start", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		a.log.Info("telegram.start", logx.Int64("chat", chat.ID))
		return c.Send(startReply(chat.ID), &tele.SendOptions{ParseMode: tele.ModeHTML})
	})
}

func startReply(chatID int64) string {
	return fmt.Sprintf("👋 Memo alarms will be sent here.\nLink this chat with id <code>%d</code>.", chatID)
}

// Start runs the long-poll loop when polling is enabled.
func (a *Adapter) Start(ctx context.Context) error {
	if a.bot == nil || !a.cfg.Poll {
		return nil
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start can return on its own; restart it while the context lives.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	} else if err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// Deliver sends the rendered memo to the recipient's linked chat.
func (a *Adapter) Deliver(ctx context.Context, n channel.Notification) error {
	if n.Recipient.TelegramChatID == 0 {
		return fmt.Errorf("memo %s: %w", n.MemoID, channel.ErrNoRecipient)
	}
	return a.sendText(ctx, n.Recipient.TelegramChatID, 0, channel.RenderHTML(n), tele.ModeHTML)
}

// SendLog implements logx.Sender for the ops log sink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.sendText(ctx, chatID, threadID, text, "")
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, threadID int, text string, mode tele.ParseMode) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit, string(mode)) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: mode, DisableWebPagePreview: true, ThreadID: threadID}

		// telebot calls are not context-aware; give up waiting when ctx ends.
		done := make(chan error, 1)
		go func() {
			_, err := a.api.Send(chat, chunk, opt)
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("telegram send to %d: %w", chatID, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
