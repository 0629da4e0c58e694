package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hays/internal/api"
	"github.com/hays/internal/chat"
	"github.com/hays/internal/session"
	"github.com/hays/internal/social"
)

const help = `commands:
  /list [query]     conversations, optionally filtered by username
  /unread           only conversations with unread messages
  /all              reload and show all conversations
  /open <target>    open a conversation by user id or conversation id
  /reload           reload the active conversation
  /pins             pinned posts
  /pin <post>       pin or unpin a post
  /like <post>      like a post
  /follow <user>    follow a user
  /unfollow <user>  unfollow a user
  /delete <post>    delete your post
  /logout           log out and quit
  /quit             quit
anything else is sent to the active conversation`

type commands struct {
	eng    *chat.Engine
	sess   *session.Manager
	social *social.Service
	view   *view
	out    io.Writer
	// lines - тот же поток строк, что у цикла команд: ответ на вопрос
	// забирается из него и не уходит в беседу сообщением.
	lines  <-chan string
	filter chat.Filter
}

func (c *commands) say(a ...any) { fmt.Fprintln(c.out, a...) }

func (c *commands) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.eng.Send(ctx, line); err != nil {
			c.say("not sent:", api.Detail(err))
		}
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		c.say(help)
	case "/list":
		c.filter.Query = arg
		c.view.printList(c.filter)
	case "/unread":
		c.filter.UnreadOnly = true
		c.view.printList(c.filter)
	case "/all":
		c.filter = chat.Filter{}
		if err := c.eng.Refresh(ctx); err != nil {
			c.say("could not load conversations:", api.Detail(err))
		}
		c.view.printList(c.filter)
	case "/open":
		if arg == "" {
			c.say("usage: /open <user-or-conversation>")
			return nil
		}
		if _, err := c.eng.Open(ctx, arg); err != nil {
			c.say("could not load messages:", api.Detail(err))
		}
	case "/reload":
		if err := c.eng.Reload(ctx); err != nil {
			c.say("could not load messages:", api.Detail(err))
		}
	case "/pins":
		pins, err := c.sess.PinnedPosts(ctx)
		if err != nil {
			c.say("pins:", api.Detail(err))
			return nil
		}
		fmt.Fprintf(c.out, "pinned: %s\n", strings.Join(pins, ", "))
	case "/pin":
		pins, err := c.sess.TogglePin(ctx, arg)
		if err != nil {
			c.say("pin:", api.Detail(err))
			return nil
		}
		fmt.Fprintf(c.out, "pinned: %s\n", strings.Join(pins, ", "))
	case "/like":
		n, err := c.social.Like(ctx, arg)
		if err != nil {
			c.say("like:", api.Detail(err))
			return nil
		}
		fmt.Fprintf(c.out, "%s: %s likes\n", arg, humanize.Comma(int64(n)))
	case "/follow", "/unfollow":
		call := c.social.Follow
		if cmd == "/unfollow" {
			call = c.social.Unfollow
		}
		if err := call(ctx, arg); err != nil {
			c.say(strings.TrimPrefix(cmd, "/")+":", api.Detail(err))
		}
	case "/delete":
		ok, err := c.social.DeletePost(ctx, arg, func() bool { return c.confirm(ctx, "delete post "+arg+"?") })
		switch {
		case err != nil:
			c.say("delete:", api.Detail(err))
		case ok:
			c.say("deleted")
		default:
			c.say("kept")
		}
	case "/logout":
		c.sess.Logout(ctx)
		return errQuit
	case "/quit":
		return errQuit
	default:
		c.say(help)
	}
	return nil
}

// confirm спрашивает y/N и ждёт ответ следующей строкой ввода.
func (c *commands) confirm(ctx context.Context, question string) bool {
	for {
		fmt.Fprintf(c.out, "%s [y/N]: ", question)
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-c.lines:
			if !ok {
				return false
			}
			switch strings.TrimSpace(strings.ToLower(line)) {
			case "y", "yes":
				return true
			case "n", "no", "":
				return false
			default:
				c.say("Please enter 'y' or 'n'.")
			}
		}
	}
}
