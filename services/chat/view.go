package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/hays/internal/chat"
	"github.com/hays/internal/model"
)

// view печатает изменения движка в терминал.
type view struct {
	w   io.Writer
	eng *chat.Engine

	mu      sync.Mutex
	active  string
	printed int
	badge   int
}

func newView(w io.Writer) *view {
	return &view{w: w}
}

func (v *view) onChange(c chat.Change) {
	if v.eng == nil {
		return
	}
	switch c.Kind {
	case chat.ChangeActive:
		v.mu.Lock()
		v.active, v.printed = c.ConversationID, 0
		v.mu.Unlock()
		conv, _ := v.eng.Conversation(c.ConversationID)
		fmt.Fprintf(v.w, "== %s (%s)\n", conv.User.DisplayName(), c.ConversationID)
	case chat.ChangeMessages:
		v.printMessages()
	case chat.ChangeConversations:
		total := v.eng.UnreadTotal()
		v.mu.Lock()
		changed := total != v.badge
		v.badge = total
		v.mu.Unlock()
		if changed {
			fmt.Fprintf(v.w, "[unread: %d]\n", total)
		}
	}
}

func (v *view) printMessages() {
	msgs := v.eng.Messages()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != v.eng.Active() || len(msgs) < v.printed {
		v.active, v.printed = v.eng.Active(), 0
	}
	for _, m := range msgs[v.printed:] {
		if m.Pending {
			// печатается после подтверждения
			break
		}
		fmt.Fprintln(v.w, formatMessage(m))
		v.printed++
	}
}

func formatMessage(m model.Message) string {
	who := string(m.SenderID)
	if m.FromMe {
		who = "me"
	}
	ts := ""
	if m.HasTimestamp() {
		ts = m.CreatedAt.Local().Format("15:04")
	}
	return fmt.Sprintf("[%s] %s: %s", ts, who, m.Content)
}

func (v *view) printList(f chat.Filter) {
	list := v.eng.Conversations(f)
	if len(list) == 0 {
		fmt.Fprintln(v.w, "no conversations")
		return
	}
	for _, c := range list {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Content
			if c.LastMessage.HasTimestamp() {
				preview += "  · " + humanize.Time(c.LastMessage.CreatedAt)
			}
		}
		fmt.Fprintf(v.w, "%-20s %s%s  %s\n", c.User.DisplayName(), c.ID, unread, preview)
	}
}
