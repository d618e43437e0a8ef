// Package bot implements the Telegram command surface: subscription
// management wizards and status commands, driven by incoming updates.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"onairbot/internal/storage"
	kit "onairbot/internal/transport"
	"onairbot/internal/youtube"
	logx "onairbot/pkg/logx"
)

const handleTimeout = 30 * time.Second

// ChannelResolver is the YouTube surface the commands need.
// *youtube.Resolver satisfies it.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, raw string) (string, error)
	ChannelTitle(ctx context.Context, channelID string) (string, error)
	LiveNow(ctx context.Context, channelID string) (*youtube.LiveBroadcast, error)
}

// Router dispatches incoming updates to command handlers and wizard steps.
type Router struct {
	store    storage.Store
	resolver ChannelResolver
	adapter  kit.Adapter
	log      logx.Logger

	// allowed restricts who may talk to the bot. Empty means everyone.
	allowed map[int64]struct{}

	sessions *sessionStore
}

func New(store storage.Store, resolver ChannelResolver, adapter kit.Adapter, allowedUserIDs []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	var allowed map[int64]struct{}
	if len(allowedUserIDs) > 0 {
		allowed = make(map[int64]struct{}, len(allowedUserIDs))
		for _, id := range allowedUserIDs {
			allowed[id] = struct{}{}
		}
	}
	return &Router{
		store:    store,
		resolver: resolver,
		adapter:  adapter,
		log:      log,
		allowed:  allowed,
		sessions: newSessionStore(),
	}
}

// Commands returns the bot command menu entries.
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "subscribe", Description: "Add a YouTube channel to watch"},
		{Command: "remove", Description: "Stop watching a channel"},
		{Command: "list", Description: "Show watched channels and destinations"},
		{Command: "cancel", Description: "Cancel the current action"},
		{Command: "help", Description: "Show help"},
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil {
				continue
			}
			r.dispatch(ctx, up.Message)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg *kit.Message) {
	if r.allowed != nil {
		if _, ok := r.allowed[msg.FromID]; !ok {
			return
		}
	}

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked",
				logx.Int64("chat", msg.ChatID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	cmd, args := splitCommand(msg.Text)
	switch cmd {
	case "start", "help":
		r.cmdHelp(hctx, msg)
		return
	}

	// Everything else is private-chat only.
	if !msg.IsPrivate {
		return
	}

	switch cmd {
	case "list", "show":
		r.cmdList(hctx, msg)
	case "subscribe", "add":
		r.cmdSubscribe(hctx, msg, args)
	case "remove", "delete":
		r.cmdRemove(hctx, msg)
	case "cancel":
		r.sessions.clear(msg.ChatID)
		r.reply(hctx, msg, "Cancelled.")
	case "":
		// Plain text: feed the active wizard, if any.
		r.continueWizard(hctx, msg)
	default:
		r.reply(hctx, msg, "Unknown command. Send /help for the command list.")
	}
}

func (r *Router) continueWizard(ctx context.Context, msg *kit.Message) {
	sess := r.sessions.get(msg.ChatID)
	if sess == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if isCancelWord(text) {
		r.sessions.clear(msg.ChatID)
		r.reply(ctx, msg, "Cancelled.")
		return
	}
	switch sess.state {
	case stateAwaitChannel:
		r.subscribeGotChannel(ctx, msg, text)
	case stateAwaitDest:
		r.subscribeGotDestinations(ctx, msg, sess, text)
	case stateAwaitPick:
		r.removeGotPick(ctx, msg, sess, text)
	}
}

// splitCommand parses "/cmd@botname arg arg" into ("cmd", args).
// Non-command text returns ("", nil).
func splitCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

func isCancelWord(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/cancel", "cancel":
		return true
	}
	return false
}

func (r *Router) reply(ctx context.Context, msg *kit.Message, text string) {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}
