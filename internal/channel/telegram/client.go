// Package telegram adapts the Telegram Bot API to the relay's channel
// capability.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatsync/internal/channel"
)

type Options struct {
	Token       string
	APIEndpoint string // defaults to the public Bot API
	CallTimeout time.Duration
	PollTimeout int // seconds
}

// Client sends through one BotAPI and long-polls through another, so the
// per-call HTTP timeout does not cut long polls short.
type Client struct {
	bot         *tgbotapi.BotAPI
	poll        *tgbotapi.BotAPI
	pollTimeout int
	log         *slog.Logger
}

func New(opts Options, log *slog.Logger) (*Client, error) {
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 6 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	if log == nil {
		log = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.APIEndpoint, &http.Client{Timeout: opts.CallTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	pollClient := &http.Client{Timeout: time.Duration(opts.PollTimeout+10) * time.Second}
	poll, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.APIEndpoint, pollClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Client{bot: bot, poll: poll, pollTimeout: opts.PollTimeout, log: log}, nil
}

func (c *Client) SendText(ctx context.Context, identity, text string) (string, error) {
	chatID, err := parseChatID(identity)
	if err != nil {
		return "", err
	}
	return c.send(ctx, tgbotapi.NewMessage(chatID, text))
}

// SendImage lets Telegram fetch the durable URL itself.
func (c *Client) SendImage(ctx context.Context, identity, imageURL, caption string) (string, error) {
	chatID, err := parseChatID(identity)
	if err != nil {
		return "", err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
	photo.Caption = caption
	return c.send(ctx, photo)
}

func (c *Client) SendVoice(ctx context.Context, identity, voiceURL string) (string, error) {
	chatID, err := parseChatID(identity)
	if err != nil {
		return "", err
	}
	return c.send(ctx, tgbotapi.NewVoice(chatID, tgbotapi.FileURL(voiceURL)))
}

func (c *Client) EditText(ctx context.Context, identity, externalID, text string) error {
	chatID, msgID, err := parseTarget(identity, externalID)
	if err != nil {
		return err
	}
	err = c.request(ctx, tgbotapi.NewEditMessageText(chatID, msgID, text))
	// editing to identical text is a no-op on the channel side
	var ce *channel.Error
	if errors.As(err, &ce) && ce.Reason == "not_modified" {
		return nil
	}
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, identity, externalID string) error {
	chatID, msgID, err := parseTarget(identity, externalID)
	if err != nil {
		return err
	}
	return c.request(ctx, tgbotapi.NewDeleteMessage(chatID, msgID))
}

// FileURL resolves a file id to Telegram's short-lived download URL.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	var url string
	err := call(ctx, func() error {
		var err error
		url, err = c.bot.GetFileDirectURL(fileID)
		return err
	})
	return url, classify(err)
}

func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) (string, error) {
	var sent tgbotapi.Message
	err := call(ctx, func() error {
		var err error
		sent, err = c.bot.Send(msg)
		return err
	})
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *Client) request(ctx context.Context, msg tgbotapi.Chattable) error {
	return classify(call(ctx, func() error {
		_, err := c.bot.Request(msg)
		return err
	}))
}

// call runs fn but returns early when ctx ends; the HTTP client timeout
// bounds the abandoned request.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseChatID(identity string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(identity), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", channel.ErrInvalidIdentity, identity)
	}
	return id, nil
}

func parseTarget(identity, externalID string) (int64, int, error) {
	chatID, err := parseChatID(identity)
	if err != nil {
		return 0, 0, err
	}
	msgID, err := strconv.Atoi(strings.TrimSpace(externalID))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: external id %q", channel.ErrTargetGone, externalID)
	}
	return chatID, msgID, nil
}
