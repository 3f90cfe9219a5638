package channel

import (
	"html"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// LocalTime formats the fire instant in the rule's timezone, or UTC.
func (n Notification) LocalTime() string {
	loc := time.UTC
	if tz := strings.TrimSpace(n.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return n.FiredAt.In(loc).Format(timeLayout)
}

// RenderHTML renders n for Telegram's HTML parse mode.
func RenderHTML(n Notification) string {
	var b strings.Builder
	b.WriteString("📋 <b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>\n")
	if d := strings.TrimSpace(n.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(d))
		b.WriteString("\n")
	}
	b.WriteString("\n⏰ Time: ")
	b.WriteString(n.LocalTime())
	return b.String()
}

// RenderText renders n as a plain text body.
func RenderText(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n")
	if d := strings.TrimSpace(n.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("\nTime: ")
	b.WriteString(n.LocalTime())
	b.WriteString("\n")
	return b.String()
}

func Subject(n Notification) string { return "[Memo Alarm] " + n.Title }
