package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	kit "onairbot/internal/transport"
	"onairbot/internal/watch"
	logx "onairbot/pkg/logx"
)

const helpText = `I notify Telegram chats when YouTube channels go live.

Commands (private chat):
/subscribe or /add - add a channel and destinations via a wizard
/remove or /delete - remove a channel (by number)
/list or /show - show channels and where notifications go
/cancel - cancel the current action`

func (r *Router) cmdHelp(ctx context.Context, msg *kit.Message) {
	r.reply(ctx, msg, helpText)
}

func (r *Router) cmdList(ctx context.Context, msg *kit.Message) {
	subs, err := r.store.ListSubscriptions(ctx, msg.ChatID)
	if err != nil {
		r.log.Warn("list subscriptions failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg, "Storage error, try again later.")
		return
	}
	if len(subs) == 0 {
		r.reply(ctx, msg, "No channels configured.")
		return
	}

	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for i, channelID := range subs {
		title := r.channelTitleOrID(ctx, channelID)
		dests, _ := r.store.DestinationsOf(ctx, channelID)
		var where string
		if len(dests) == 0 {
			where = "private chat only"
		} else {
			parts := make([]string, len(dests))
			for j, id := range dests {
				parts[j] = strconv.FormatInt(id, 10)
			}
			where = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n   → %s\n", i+1, html.EscapeString(title), channelID, where)
	}
	r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdSubscribe(ctx context.Context, msg *kit.Message, args []string) {
	arg := strings.TrimSpace(strings.Join(args, " "))
	if arg == "" {
		r.sessions.put(msg.ChatID, &session{state: stateAwaitChannel})
		r.reply(ctx, msg, "Send a YouTube channel link/ID/@handle, or /cancel")
		return
	}

	channelID, err := r.resolver.ResolveChannel(ctx, arg)
	if err != nil {
		r.reply(ctx, msg, "Channel not found. Send a valid URL, @handle or channel ID.")
		return
	}
	if err := r.store.AddSubscription(ctx, msg.ChatID, channelID); err != nil {
		r.log.Warn("add subscription failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg, "Storage error, try again later.")
		return
	}
	title := r.channelTitleOrID(ctx, channelID)
	r.reply(ctx, msg, fmt.Sprintf("Subscribed to <b>%s</b> (%s).", html.EscapeString(title), channelID))

	r.replayIfLive(ctx, msg, channelID)
}

// replayIfLive informs a new subscriber immediately when the channel is
// currently live and the broadcast was already announced to others.
func (r *Router) replayIfLive(ctx context.Context, msg *kit.Message, channelID string) {
	live, err := r.resolver.LiveNow(ctx, channelID)
	if err != nil || live == nil {
		return
	}
	state, err := r.store.NotifyState(ctx, channelID)
	if err != nil || state.LastVideoID != live.VideoID {
		return
	}
	r.reply(ctx, msg, watch.BroadcastText(live))
}

func (r *Router) subscribeGotChannel(ctx context.Context, msg *kit.Message, text string) {
	channelID, err := r.resolver.ResolveChannel(ctx, text)
	if err != nil {
		r.reply(ctx, msg, "Channel not found. Send another link/ID/@handle, or /cancel")
		return
	}
	r.sessions.put(msg.ChatID, &session{state: stateAwaitDest, channelID: channelID})
	r.reply(ctx, msg, "Now send Telegram destinations (space separated):\n"+
		"- @username, t.me/username or a numeric chat ID\n"+
		"Send 'skip' to use only this private chat. Or /cancel")
}

func (r *Router) subscribeGotDestinations(ctx context.Context, msg *kit.Message, sess *session, text string) {
	channelID := sess.channelID
	if channelID == "" {
		r.sessions.clear(msg.ChatID)
		r.reply(ctx, msg, "Session lost. Start over with /subscribe")
		return
	}

	// The private chat is always subscribed.
	if err := r.store.AddSubscription(ctx, msg.ChatID, channelID); err != nil {
		r.log.Warn("add subscription failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.sessions.clear(msg.ChatID)
		r.reply(ctx, msg, "Storage error, try again later.")
		return
	}

	var added, failed []string
	if !strings.EqualFold(text, "skip") && text != "" {
		for _, token := range strings.Fields(text) {
			chatID, err := r.adapter.ResolveChat(ctx, token)
			if err != nil {
				failed = append(failed, token)
				continue
			}
			if err := r.store.AddDestination(ctx, channelID, chatID); err != nil {
				failed = append(failed, token)
				continue
			}
			added = append(added, strconv.FormatInt(chatID, 10))
		}
	}

	r.sessions.clear(msg.ChatID)
	title := r.channelTitleOrID(ctx, channelID)
	parts := []string{fmt.Sprintf("Watching <b>%s</b> (%s).", html.EscapeString(title), channelID)}
	if len(added) > 0 {
		parts = append(parts, "Destinations added: "+strings.Join(added, ", "))
	}
	if len(failed) > 0 {
		parts = append(parts, "Failed: "+strings.Join(failed, ", "))
	}
	r.reply(ctx, msg, strings.Join(parts, "\n"))

	r.replayIfLive(ctx, msg, channelID)
}

func (r *Router) cmdRemove(ctx context.Context, msg *kit.Message) {
	subs, err := r.store.ListSubscriptions(ctx, msg.ChatID)
	if err != nil {
		r.log.Warn("list subscriptions failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg, "Storage error, try again later.")
		return
	}
	if len(subs) == 0 {
		r.reply(ctx, msg, "No channels configured.")
		return
	}

	var b strings.Builder
	b.WriteString("Send a number to remove (or /cancel):\n")
	for i, channelID := range subs {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, html.EscapeString(r.channelTitleOrID(ctx, channelID)), channelID)
	}
	r.sessions.put(msg.ChatID, &session{state: stateAwaitPick, subs: subs})
	r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) removeGotPick(ctx context.Context, msg *kit.Message, sess *session, text string) {
	idx, err := strconv.Atoi(text)
	if err != nil {
		r.reply(ctx, msg, "Please send a number from the list, or /cancel")
		return
	}
	if idx < 1 || idx > len(sess.subs) {
		r.reply(ctx, msg, "Out of range. Try again, or /cancel")
		return
	}
	channelID := sess.subs[idx-1]

	if _, err := r.store.RemoveSubscription(ctx, msg.ChatID, channelID); err != nil {
		r.log.Warn("remove subscription failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg, "Storage error, try again later.")
		return
	}
	if err := r.store.ClearDestinations(ctx, channelID); err != nil {
		r.log.Warn("clear destinations failed", logx.String("channel", channelID), logx.Err(err))
	}
	r.sessions.clear(msg.ChatID)
	r.reply(ctx, msg, fmt.Sprintf("Channel %s and its destinations removed.", channelID))
}

func (r *Router) channelTitleOrID(ctx context.Context, channelID string) string {
	title, err := r.resolver.ChannelTitle(ctx, channelID)
	if err != nil || title == "" {
		return channelID
	}
	return title
}
