package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

const dateLayout = "2006-01-02"

func formatSubscriber(sub *domain.Subscriber) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📧 %s\n", sub.Email)
	if sub.DisplayName != "" {
		fmt.Fprintf(&b, "👤 %s\n", sub.DisplayName)
	}
	if sub.Handle != "" {
		fmt.Fprintf(&b, "🔖 @%s\n", sub.Handle)
	}
	if sub.HasAccount() {
		fmt.Fprintf(&b, "🆔 %d\n", sub.Account())
	} else {
		b.WriteString("🆔 not linked\n")
	}
	fmt.Fprintf(&b, "📌 %s\n", sub.Status)
	fmt.Fprintf(&b, "📅 expires %s (%d days left)\n", sub.ExpiresAt.Format(dateLayout), sub.DaysLeft(time.Now()))
	if sub.HasLink() {
		state := "unused"
		if sub.LinkUsed {
			state = "used"
		}
		fmt.Fprintf(&b, "🔗 %s (%s)\n", sub.Link(), state)
	}
	if sub.Unreachable {
		b.WriteString("⚠️ unreachable\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatUnban(res *service.UnbanResult) string {
	msg := fmt.Sprintf("✅ %s reactivated until %s.", res.Subscriber.Email, res.Subscriber.ExpiresAt.Format(dateLayout))
	switch {
	case res.LinkErr != nil:
		msg += "\n⚠️ No invite link could be created: " + res.LinkErr.Error()
	case res.Messaged:
		msg += "\n🔗 A new link was sent to the subscriber."
	case res.Link != "":
		msg += "\n🔗 " + res.Link + "\nThe account is unknown, forward the link by hand."
	}
	return msg
}

func formatStats(s *domain.Stats) string {
	return fmt.Sprintf("📊 Statistics\n\n✅ Active: %d\n⏰ Expired: %d\n↩️ Revoked: %d\n🚫 Banned: %d\n📵 Unreachable: %d\n👥 Total: %d\n\nUpdated %s",
		s.Active, s.Expired, s.Revoked, s.Banned, s.Unreachable, s.Total, s.ComputedAt.Format("2006-01-02 15:04"))
}

func formatClear(r *service.ClearReport) string {
	msg := fmt.Sprintf("🧹 Done.\n\nExpired: %d\nSkipped: %d\nFailures: %d", r.Expired, r.Skipped, len(r.Failures))
	for _, f := range r.Failures {
		msg += fmt.Sprintf("\n• %s: %s", f.Email, f.Error)
	}
	return msg
}

func formatCheck(r *service.ReconcileReport) string {
	if r.Seeded {
		return fmt.Sprintf("🔍 Member snapshot taken: %d members.", r.Members)
	}
	return fmt.Sprintf("🔍 Check finished.\n\nMembers: %d\nNew: %d\nAuthorized: %d\nQueued: %d\nPending decisions: %d",
		r.Members, r.New, r.Authorized, len(r.Queued), r.QueueDepth)
}

func formatPage(title string, page, pages, total int, subs []*domain.Subscriber) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d) - page %d/%d\n", title, total, page, pages)
	for _, sub := range subs {
		id := "-"
		if sub.HasAccount() {
			id = fmt.Sprint(sub.Account())
		}
		fmt.Fprintf(&b, "\n• %s | %s | %s | %s", sub.Email, sub.Status, sub.ExpiresAt.Format(dateLayout), id)
	}
	return b.String()
}

func paginate[T any](items []T, size int) [][]T {
	var pages [][]T
	for start := 0; start < len(items); start += size {
		pages = append(pages, items[start:min(start+size, len(items))])
	}
	return pages
}
