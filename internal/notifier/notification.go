package notifier

import (
	"fmt"
	"html"
	"strings"

	"walletwatch/internal/engine"
	"walletwatch/models"
)

// Notification is one message to a sender. It usually holds a single alert;
// alerts held back by the per-sender cooldown are delivered together.
type Notification struct {
	Alerts []models.Alert
}

// Latest returns the most recent alert in the notification.
func (n Notification) Latest() models.Alert {
	return n.Alerts[len(n.Alerts)-1]
}

// Tier returns the highest tier among the alerts.
func (n Notification) Tier() models.Tier {
	top := models.BelowThreshold
	for _, a := range n.Alerts {
		if a.Tier > top {
			top = a.Tier
		}
	}
	return top
}

func (n Notification) Subject() string {
	if len(n.Alerts) == 1 {
		return engine.Subject(n.Alerts[0])
	}
	return fmt.Sprintf("%s %d alerts %s", n.Tier(), len(n.Alerts), engine.ShortenWallet(n.Latest().Group.Key.Wallet))
}

type batchLine struct {
	class string
	asset string
	count int
	value float64
}

func (n Notification) lines() ([]batchLine, float64) {
	var (
		lines []batchLine
		total float64
		index = map[string]int{}
	)
	for _, a := range n.Alerts {
		k := a.Group.Key
		id := string(k.Class) + "|" + k.Asset
		i, ok := index[id]
		if !ok {
			i = len(lines)
			index[id] = i
			lines = append(lines, batchLine{class: string(k.Class), asset: k.Asset})
		}
		lines[i].count += a.Group.MemberCount
		lines[i].value += a.Group.TotalUSDValue
		total += a.Group.TotalUSDValue
	}
	return lines, total
}

// Render formats the notification for a platform. A batch renders a summary
// followed by the latest alert.
func (n Notification) Render(p engine.Platform) string {
	if len(n.Alerts) == 1 {
		return engine.Render(n.Alerts[0], p)
	}
	lines, total := n.lines()
	wallet := engine.ShortenWallet(n.Latest().Group.Key.Wallet)
	latest := engine.Render(n.Latest(), p)
	usd := "$" + engine.FormatLargeNumber(total)

	switch p {
	case engine.PlatformHTML:
		var items strings.Builder
		for _, l := range lines {
			fmt.Fprintf(&items, "<li>%dx %s on %s ($%s)</li>", l.count, html.EscapeString(l.class), html.EscapeString(l.asset), engine.FormatLargeNumber(l.value))
		}
		return fmt.Sprintf(`<h3>📊 Summary: %d alerts from %s</h3>
<ul>%s</ul>
<p>💰 <strong>Total Value: %s</strong></p>
<h4>📋 Latest Alert</h4>
%s`, len(n.Alerts), html.EscapeString(wallet), items.String(), usd, latest)
	case engine.PlatformMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "📊 **Summary: %d alerts from %s**\n", len(n.Alerts), wallet)
		for _, l := range lines {
			fmt.Fprintf(&b, "• %dx %s on %s ($%s)\n", l.count, l.class, l.asset, engine.FormatLargeNumber(l.value))
		}
		fmt.Fprintf(&b, "\n💰 **Total Value: %s**\n\n📋 **Latest Alert:**\n%s", usd, latest)
		return b.String()
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Summary: %d alerts from %s\n", len(n.Alerts), wallet)
		for _, l := range lines {
			fmt.Fprintf(&b, "• %dx %s on %s ($%s)\n", l.count, l.class, l.asset, engine.FormatLargeNumber(l.value))
		}
		fmt.Fprintf(&b, "\nTotal Value: %s\n\nLatest Alert:\n%s", usd, latest)
		return b.String()
	}
}
