// Package telegram adapts Telegram chats into dispatch destinations.
// Each configured chat becomes one destination; a chat covers the
// recipient ids mapped to it and receives broadcasts regardless.
package telegram

import (
	"context"
	"sort"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"nudgebot/internal/dispatch"
)

// sender is the slice of the telebot API the destinations need.
// *tele.Bot satisfies it.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type chatDestination struct {
	id     string
	chatID int64
	// names are the recipient ids this chat covers. Empty means the
	// chat is broadcast-only.
	names map[string]struct{}
	bot   sender
}

func (d *chatDestination) ID() string { return d.id }

func (d *chatDestination) Covers(recipient string) bool {
	_, ok := d.names[recipient]
	return ok
}

// Send ships one message. The bot's HTTP client carries the call
// timeout, so ctx is not consulted here.
func (d *chatDestination) Send(ctx context.Context, recipient, text string) error {
	_, err := d.bot.Send(&tele.Chat{ID: d.chatID}, text)
	return err
}

// buildDestinations inverts the recipient map into one destination per
// chat. A chat listed both as a recipient target and a broadcast chat
// keeps its recipient coverage.
func buildDestinations(cfg Config, bot sender) []dispatch.Destination {
	byChat := map[int64]map[string]struct{}{}
	for name, chatID := range cfg.Recipients {
		if name == "" || chatID == 0 {
			continue
		}
		set := byChat[chatID]
		if set == nil {
			set = map[string]struct{}{}
			byChat[chatID] = set
		}
		set[name] = struct{}{}
	}
	for _, chatID := range cfg.BroadcastChats {
		if chatID == 0 {
			continue
		}
		if _, ok := byChat[chatID]; !ok {
			byChat[chatID] = nil
		}
	}

	dests := make([]dispatch.Destination, 0, len(byChat))
	for chatID, names := range byChat {
		dests = append(dests, &chatDestination{
			id:     "telegram:" + strconv.FormatInt(chatID, 10),
			chatID: chatID,
			names:  names,
			bot:    bot,
		})
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i].ID() < dests[j].ID() })
	return dests
}
