package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatsync/internal/channel"
)

// classify maps Bot API failures onto channel errors. Errors that are not
// API responses (transport, context) pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Message)
	ce := &channel.Error{Code: apiErr.Code, Err: err}

	switch {
	case apiErr.Code == 429:
		ce.Reason, ce.Retryable = "rate_limited", true
		ce.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
	case apiErr.Code >= 500:
		ce.Reason, ce.Retryable = "server_error", true
	case apiErr.MigrateToChatID != 0:
		ce.Reason = "chat_migrated"
	case strings.Contains(desc, "message is not modified"):
		ce.Reason = "not_modified"
	case strings.Contains(desc, "message to delete not found"),
		strings.Contains(desc, "message to edit not found"),
		strings.Contains(desc, "message_id_invalid"),
		strings.Contains(desc, "message can't be deleted"),
		strings.Contains(desc, "message can't be edited"):
		return fmt.Errorf("%w: %s", channel.ErrTargetGone, apiErr.Message)
	case strings.Contains(desc, "chat not found"):
		ce.Reason = "chat_not_found"
	case apiErr.Code == 403:
		ce.Reason = "blocked"
	case apiErr.Code == 401:
		ce.Reason = "unauthorized"
	default:
		ce.Reason = "bad_request"
	}
	return ce
}
