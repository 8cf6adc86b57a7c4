package telegram

import (
	"context"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatsync/internal/channel"
)

// Listen long-polls for updates and hands them to fn one at a time, in
// delivery order, until ctx is done.
func (c *Client) Listen(ctx context.Context, fn func(context.Context, channel.Inbound)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.poll.GetUpdatesChan(u)
	c.log.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("telegram polling stopping")
			c.poll.StopReceivingUpdates()
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if in, ok := toInbound(up); ok {
				fn(ctx, in)
			}
		}
	}
}

func toInbound(up tgbotapi.Update) (channel.Inbound, bool) {
	msg, edited := up.Message, false
	if msg == nil {
		msg, edited = up.EditedMessage, true
	}
	if msg == nil || msg.Chat == nil {
		return channel.Inbound{}, false
	}

	in := channel.Inbound{
		UpdateID:          up.UpdateID,
		Identity:          strconv.FormatInt(msg.Chat.ID, 10),
		ExternalMessageID: strconv.Itoa(msg.MessageID),
		Text:              msg.Text,
		At:                time.Unix(int64(msg.Date), 0).UTC(),
		Edited:            edited,
	}
	if edited && msg.EditDate > 0 {
		in.At = time.Unix(int64(msg.EditDate), 0).UTC()
	}

	switch {
	case len(msg.Photo) > 0:
		// sizes are ascending; keep the largest
		in.Attachment = &channel.Attachment{Kind: channel.AttachmentImage, FileID: msg.Photo[len(msg.Photo)-1].FileID, MimeType: "image/jpeg"}
	case msg.Voice != nil:
		in.Attachment = &channel.Attachment{Kind: channel.AttachmentVoice, FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}
	case msg.Audio != nil:
		in.Attachment = &channel.Attachment{Kind: channel.AttachmentVoice, FileID: msg.Audio.FileID, FileName: msg.Audio.FileName, MimeType: msg.Audio.MimeType}
	case msg.Document != nil:
		in.Attachment = &channel.Attachment{Kind: channel.AttachmentDocument, FileID: msg.Document.FileID, FileName: msg.Document.FileName, MimeType: msg.Document.MimeType}
	}
	if in.Attachment != nil {
		in.Text = msg.Caption
	}
	if in.Text == "" && in.Attachment == nil {
		return channel.Inbound{}, false
	}
	return in, true
}
