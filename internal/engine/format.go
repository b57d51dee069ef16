package engine

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"walletwatch/models"
)

// Platform selects the markup used when rendering an alert.
type Platform string

const (
	PlatformMarkdown Platform = "markdown" // Discord, Telegram
	PlatformHTML     Platform = "html"     // e-mail
	PlatformPlain    Platform = "plain"    // webhook, Kafka, logs
)

// ShortenWallet abbreviates long addresses as 0x1234...abcd.
func ShortenWallet(wallet string) string {
	if wallet == "" {
		return "N/A"
	}
	if len(wallet) > 12 {
		return wallet[:6] + "..." + wallet[len(wallet)-4:]
	}
	return wallet
}

// FormatLargeNumber renders quantities and USD values compactly (1.50K,
// 2.25M, 3.00B). Small values keep more decimals.
func FormatLargeNumber(v float64) string {
	switch {
	case v == 0:
		return "0.00"
	case v < 0.001:
		return fmt.Sprintf("%.6f", v)
	case v < 1:
		return fmt.Sprintf("%.4f", v)
	case v >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", v/1_000_000_000)
	case v >= 1_000_000:
		return fmt.Sprintf("%.2fM", v/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("%.2fK", v/1_000)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

// FormatPrice picks the precision from the magnitude of the price.
func FormatPrice(p float64) string {
	switch {
	case p < 1:
		return fmt.Sprintf("$%.6f", p)
	case p < 100:
		return fmt.Sprintf("$%.4f", p)
	default:
		return "$" + withThousands(strconv.FormatFloat(p, 'f', 2, 64))
	}
}

func withThousands(s string) string {
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String() + frac
}

// FormatTime renders a timestamp as 15:04:05 UTC.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("15:04:05") + " UTC"
}

func sideLabel(s models.Side) (string, string) {
	switch s {
	case models.SideBuy:
		return "BUY", "🟢"
	case models.SideSell:
		return "SELL", "🔴"
	default:
		return "TRADE", "⚪"
	}
}

var statusInfo = map[string][2]string{
	"FILLED":           {"✅", "Filled"},
	"CANCELED":         {"❌", "Canceled"},
	"CANCELLED":        {"❌", "Canceled"},
	"OPEN":             {"🟢", "Placed"},
	"RESTING":          {"🟢", "Active"},
	"PARTIAL":          {"🟡", "Partial"},
	"PARTIALLY_FILLED": {"🟡", "Partial"},
	"REJECTED":         {"🚫", "Rejected"},
	"EXPIRED":          {"⏰", "Expired"},
	"REPLACED":         {"🔄", "Updated"},
}

// title returns the emoji and heading of a single-event alert.
func title(ev models.Event) (string, string) {
	switch ev.Action {
	case models.ActionFill:
		return "💹", "Fill"
	case models.ActionLiquidation:
		return "💥", "Liquidation"
	case models.ActionPositionUpdate:
		return "📐", "Position Update"
	case models.ActionCancel:
		return "❌", "Canceled Order"
	case models.ActionOrderPlaced, models.ActionOrderUpdate:
		status := strings.ToUpper(ev.Status)
		if info, ok := statusInfo[status]; ok {
			return info[0], info[1] + " Order"
		}
		if ev.Action == models.ActionOrderPlaced {
			return "🟢", "Placed Order"
		}
		return "📊", "Order Update"
	default:
		return "📊", strings.ReplaceAll(string(ev.Action), "_", " ")
	}
}

func walletDisplay(g models.SealedGroup) string {
	short := ShortenWallet(g.Key.Wallet)
	if label := g.First().WalletLabel; label != "" {
		return label + " (" + short + ")"
	}
	return short
}

func groupSide(g models.SealedGroup) models.Side {
	sides := g.Sides()
	if len(sides) == 1 {
		return sides[0]
	}
	return models.SideUnknown
}

// Render formats an alert for the given platform.
func Render(a models.Alert, p Platform) string {
	if a.Group.IsMulti() {
		return renderMulti(a, p)
	}
	return renderSingle(a, p)
}

func renderSingle(a models.Alert, p Platform) string {
	g := a.Group
	ev := g.First()
	emoji, heading := title(ev)
	sideText, sideEmoji := sideLabel(ev.Side)
	size := FormatLargeNumber(ev.Quantity)
	price := FormatPrice(ev.Price)
	usd := "$" + FormatLargeNumber(g.TotalUSDValue)
	wallet := walletDisplay(g)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = g.LastSeen
	}
	when := FormatTime(ts)

	switch p {
	case PlatformMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "%s **%s** %s\n", emoji, heading, a.Tier.Badge())
		fmt.Fprintf(&b, "%s `%s` %s @ `%s`\n", sideEmoji, size, g.Key.Asset, price)
		fmt.Fprintf(&b, "💵 **%s** • `%s`", usd, wallet)
		if when != "" {
			b.WriteString(" • " + when)
		}
		return b.String()
	case PlatformHTML:
		return fmt.Sprintf(`<div style="font-family: Arial, sans-serif; line-height: 1.4; padding: 10px; border-left: 3px solid %s;">
<h4 style="margin:0; color:#333;">%s %s <span style="color:%s; font-weight:bold;">%s</span></h4>
<p style="margin:5px 0; font-size:14px;">%s %s %s %s @ <strong>%s</strong><br>
💵 <strong>%s</strong> • <code>%s</code> <span style="color:#888;">%s</span></p>
</div>`,
			a.Tier.Color(), emoji, html.EscapeString(heading), a.Tier.Color(), a.Tier.Badge(),
			sideEmoji, sideText, size, html.EscapeString(g.Key.Asset), price,
			usd, html.EscapeString(wallet), when)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %s\n", emoji, heading, a.Tier.Badge())
		fmt.Fprintf(&b, "%s %s %s @ %s\n", sideText, size, g.Key.Asset, price)
		fmt.Fprintf(&b, "Value: %s • %s", usd, wallet)
		if when != "" {
			b.WriteString(" • " + when)
		}
		return b.String()
	}
}

func breakdownLines(g models.SealedGroup) []string {
	var lines []string
	for _, ac := range g.Breakdown() {
		lines = append(lines, fmt.Sprintf("• %dx %s ($%s)", ac.Count, ac.Action, FormatLargeNumber(ac.USDValue)))
	}
	return lines
}

func renderMulti(a models.Alert, p Platform) string {
	g := a.Group
	sideText, sideEmoji := sideLabel(groupSide(g))
	size := FormatLargeNumber(g.TotalQuantity())
	price := FormatPrice(g.AveragePrice())
	usd := "$" + FormatLargeNumber(g.TotalUSDValue)
	wallet := walletDisplay(g)
	span := FormatTime(g.FirstSeen)
	if last := FormatTime(g.LastSeen); last != span {
		span = strings.TrimSuffix(span, " UTC") + "–" + last
	}
	lines := breakdownLines(g)

	switch p {
	case PlatformMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "📊 **Summary: %d events** %s\n", g.MemberCount, a.Tier.Badge())
		fmt.Fprintf(&b, "%s `%s` %s @ avg `%s`\n", sideEmoji, size, g.Key.Asset, price)
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
		fmt.Fprintf(&b, "💵 **%s** • `%s`", usd, wallet)
		if span != "" {
			b.WriteString(" • " + span)
		}
		return b.String()
	case PlatformHTML:
		var items strings.Builder
		for _, l := range lines {
			items.WriteString("<li>" + html.EscapeString(strings.TrimPrefix(l, "• ")) + "</li>")
		}
		return fmt.Sprintf(`<div style="font-family: Arial, sans-serif; line-height: 1.4; padding: 10px; border-left: 3px solid %s;">
<h4 style="margin:0; color:#333;">📊 Summary: %d events <span style="color:%s; font-weight:bold;">%s</span></h4>
<p style="margin:5px 0; font-size:14px;">%s %s %s %s @ avg <strong>%s</strong></p>
<ul style="margin:5px 0;">%s</ul>
<p style="margin:5px 0;">💵 <strong>%s</strong> • <code>%s</code> <span style="color:#888;">%s</span></p>
</div>`,
			a.Tier.Color(), g.MemberCount, a.Tier.Color(), a.Tier.Badge(),
			sideEmoji, sideText, size, html.EscapeString(g.Key.Asset), price,
			items.String(), usd, html.EscapeString(wallet), span)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Summary: %d events %s\n", g.MemberCount, a.Tier.Badge())
		fmt.Fprintf(&b, "%s %s %s @ avg %s\n", sideText, size, g.Key.Asset, price)
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
		fmt.Fprintf(&b, "Value: %s • %s", usd, wallet)
		if span != "" {
			b.WriteString(" • " + span)
		}
		return b.String()
	}
}

// Subject is a one-line description used for e-mail subjects and logs.
func Subject(a models.Alert) string {
	return fmt.Sprintf("%s %s %s $%s", a.Tier, ShortenWallet(a.Group.Key.Wallet), a.Group.Key.Asset, FormatLargeNumber(a.Group.TotalUSDValue))
}
