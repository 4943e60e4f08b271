package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

// Admin commands. Portuguese names are kept as aliases.
var adminCommands = map[string]string{
	"buscar":     "search",
	"search":     "search",
	"ban":        "ban",
	"unban":      "unban",
	"lista":      "active",
	"active":     "active",
	"expirados":  "expired",
	"expired":    "expired",
	"limpar":     "clear",
	"clear":      "clear",
	"stats":      "stats",
	"adduser":    "adduser",
	"textogeral": "broadcast",
	"broadcast":  "broadcast",
	"check":      "check",
}

const helpText = `🛠 Admin commands

/search <email> - show a subscriber
/ban <email> - ban and remove from the channel
/unban <email> - reactivate and send a new link
/active - list active subscribers
/expired - list expired subscribers
/clear - expire lapsed subscribers
/stats - subscriber counts
/adduser <email> - add a subscriber by hand
/broadcast - send the next message to every subscriber
/check - check channel members now
/cancel - abort a pending broadcast`

func isAdminCommand(cmd string) bool {
	_, ok := adminCommands[cmd]
	return ok
}

func (d *Dispatcher) handleAdmin(ctx context.Context, msg *tgbotapi.Message) {
	from := msg.From.ID

	if !msg.IsCommand() {
		if d.takeAwaiting(from) {
			d.broadcast(ctx, from, contentOf(msg))
			return
		}
		d.reply(ctx, from, d.templates.MustRender(templates.AdminOnlyMode, templates.Data{}))
		return
	}

	cmd := msg.Command()
	arg := strings.TrimSpace(msg.CommandArguments())
	d.logger.Info("admin command", "command", cmd, "account_id", from)

	switch adminCommands[cmd] {
	case "search":
		d.withEmail(ctx, from, cmd, arg, func(email string) (string, error) {
			sub, err := d.admin.Search(ctx, email)
			if err != nil {
				return "", err
			}
			return formatSubscriber(sub), nil
		})
	case "ban":
		d.withEmail(ctx, from, cmd, arg, func(email string) (string, error) {
			sub, err := d.admin.Ban(ctx, email)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("🚫 %s banned.", sub.Email), nil
		})
	case "unban":
		d.withEmail(ctx, from, cmd, arg, func(email string) (string, error) {
			res, err := d.admin.Unban(ctx, email)
			if err != nil {
				return "", err
			}
			return formatUnban(res), nil
		})
	case "adduser":
		d.withEmail(ctx, from, cmd, arg, func(email string) (string, error) {
			sub, err := d.admin.AddSubscriber(ctx, email)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ %s added, access until %s.", sub.Email, sub.ExpiresAt.Format(dateLayout)), nil
		})
	case "active":
		subs, err := d.admin.ListActive(ctx)
		if err != nil {
			d.fail(ctx, from, cmd, err)
			return
		}
		d.sendList(ctx, from, "✅ Active subscribers", subs)
	case "expired":
		subs, err := d.admin.ListExpired(ctx)
		if err != nil {
			d.fail(ctx, from, cmd, err)
			return
		}
		d.sendList(ctx, from, "⏰ Expired subscribers", subs)
	case "clear":
		d.reply(ctx, from, "🧹 Clearing expired subscribers...")
		report, err := d.admin.ClearExpired(ctx)
		if err != nil && report == nil {
			d.fail(ctx, from, cmd, err)
			return
		}
		d.reply(ctx, from, formatClear(report))
	case "stats":
		stats, err := d.admin.Stats(ctx)
		if err != nil {
			d.fail(ctx, from, cmd, err)
			return
		}
		d.reply(ctx, from, formatStats(stats))
	case "broadcast":
		d.setAwaiting(from)
		d.reply(ctx, from, "📢 Send the message to broadcast: text, photo, video or document.\n\n/cancel to abort.")
	case "check":
		report, err := d.admin.Check(ctx)
		if err != nil {
			d.fail(ctx, from, cmd, err)
			return
		}
		d.reply(ctx, from, formatCheck(report))
	default:
		switch cmd {
		case "cancel":
			if d.takeAwaiting(from) {
				d.reply(ctx, from, "❎ Broadcast canceled.")
				return
			}
			d.reply(ctx, from, "Nothing to cancel.")
		default:
			d.reply(ctx, from, helpText)
		}
	}
}

func (d *Dispatcher) withEmail(ctx context.Context, from int64, cmd, arg string, fn func(email string) (string, error)) {
	if arg == "" {
		d.reply(ctx, from, fmt.Sprintf("Usage: /%s <email>", cmd))
		return
	}
	text, err := fn(arg)
	if err != nil {
		d.fail(ctx, from, cmd, err)
		return
	}
	d.reply(ctx, from, text)
}

func (d *Dispatcher) broadcast(ctx context.Context, from int64, content platform.Content) {
	if err := content.Validate(); err != nil {
		d.reply(ctx, from, "❌ Unsupported message. Send /broadcast again with text, a photo, a video or a document.")
		return
	}
	d.reply(ctx, from, "📤 Sending...")

	report, err := d.admin.Broadcast(ctx, content, func(sent, total int) {
		if sent < total {
			d.reply(ctx, from, fmt.Sprintf("📤 %d/%d", sent, total))
		}
	})
	if err != nil {
		d.fail(ctx, from, "broadcast", err)
		return
	}
	d.reply(ctx, from, fmt.Sprintf("✅ Broadcast finished.\n\nDelivered: %d\nFailed: %d\nUnreachable: %d\nTotal: %d",
		report.Delivered, report.Failed, report.Unreachable, report.Total))
}

func (d *Dispatcher) sendList(ctx context.Context, from int64, title string, subs []*domain.Subscriber) {
	if len(subs) == 0 {
		d.reply(ctx, from, title+": none.")
		return
	}
	pages := paginate(subs, d.cfg.ListPageSize)
	for i, page := range pages {
		if i > 0 {
			if err := d.pause(ctx, d.cfg.ListPagePause); err != nil {
				return
			}
		}
		d.reply(ctx, from, formatPage(title, i+1, len(pages), len(subs), page))
	}
}

func (d *Dispatcher) fail(ctx context.Context, from int64, cmd string, err error) {
	var de *domainerrors.Error
	if !errors.As(err, &de) {
		d.logger.Error("admin command failed", "command", cmd, "error", err)
	}
	d.reply(ctx, from, errorText(err))
}

func (d *Dispatcher) setAwaiting(accountID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.awaiting[accountID] = true
}

func (d *Dispatcher) takeAwaiting(accountID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok := d.awaiting[accountID]
	delete(d.awaiting, accountID)
	return ok
}

// contentOf converts an admin message to broadcast content. The largest
// photo size is used.
func contentOf(msg *tgbotapi.Message) platform.Content {
	switch {
	case len(msg.Photo) > 0:
		return platform.Content{Kind: platform.ContentPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID, Text: msg.Caption}
	case msg.Video != nil:
		return platform.Content{Kind: platform.ContentVideo, FileID: msg.Video.FileID, Text: msg.Caption}
	case msg.Document != nil:
		return platform.Content{Kind: platform.ContentDocument, FileID: msg.Document.FileID, Text: msg.Caption}
	default:
		return platform.Text(msg.Text)
	}
}

func errorText(err error) string {
	var de *domainerrors.Error
	if errors.As(err, &de) {
		return "❌ " + de.Message
	}
	return "❌ Something went wrong. Check the server logs."
}
