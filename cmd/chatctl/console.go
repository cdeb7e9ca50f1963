package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/observer/hirechat/internal/chat"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
)

// session is what the console needs from either manager
type session interface {
	CreateMessage(p envelope.Params) (envelope.Message, error)
	SendMessage(ctx context.Context, msg envelope.Message) (bool, error)
	AcknowledgeMessages(ctx context.Context, chatID int64, messageIDs []string) bool
	AddMessageListener(fn chat.MessageListener) chat.ListenerID
	AddPresenceListener(fn chat.PresenceListener) chat.ListenerID
	IsConnected() bool
	Disconnect(ctx context.Context)
}

const helpText = `commands:
  send <chat> <receiver> <text...>   send a text message
  ack <chat> <message-id...>         acknowledge messages as read
  switch <publisher-id>              operate as another publisher (admin)
  open <applicant-id> <handle> [chat] listen to an applicant (admin)
  close <applicant-id> <handle>       stop listening to an applicant (admin)
  status                             show connection state
  quit`

type console struct {
	mu      sync.Mutex
	out     io.Writer
	session session
	multi   *chat.MultiPublisherManager // nil outside admin sessions
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) onMessage(m envelope.Message) {
	prefix := ""
	if m.PublisherID != 0 {
		prefix = fmt.Sprintf("[publisher %d] ", m.PublisherID)
	}
	c.printf("%s%s chat=%d from=%d id=%s: %s",
		prefix, time.UnixMilli(m.Timestamp).Format(time.Kitchen),
		m.ChatID, m.SenderID, m.MessageID, envelope.Summary(m))
}

// exec runs one command line and reports whether the console should exit
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", helpText)
	case "status":
		c.status()
	case "send":
		err = c.send(ctx, args)
	case "ack":
		err = c.ack(ctx, args)
	case "switch":
		err = c.switchPublisher(ctx, args)
	case "open":
		err = c.open(ctx, args, true)
	case "close":
		err = c.open(ctx, args, false)
	default:
		err = fmt.Errorf("unknown command %q, type help", cmd)
	}
	if err != nil {
		c.printf("error: %v", err)
	}
	return false
}

func (c *console) status() {
	c.printf("connected: %t", c.session.IsConnected())
	if c.multi == nil {
		return
	}
	if p, ok := c.multi.CurrentPublisher(); ok {
		c.printf("publisher: %d (%s)", p.ID, p.Name)
	}
	for _, rec := range c.multi.ActiveChannels() {
		c.printf("channel: %s", rec.Topic)
	}
}

func (c *console) send(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: send <chat> <receiver> <text...>")
	}
	ids, err := parseInts(args[:2])
	if err != nil {
		return err
	}

	msg, err := c.session.CreateMessage(envelope.Params{
		ChatID:         ids[0],
		ReceiverHandle: ids[1],
		MessageType:    envelope.TypeText,
		Content:        envelope.NewTextContent(strings.Join(args[2:], " ")),
	})
	if err != nil {
		return err
	}
	ok, err := c.session.SendMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %s failed to send", msg.MessageID)
	}
	c.printf("sent %s", msg.MessageID)
	return nil
}

func (c *console) ack(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ack <chat> <message-id...>")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}
	if !c.session.AcknowledgeMessages(ctx, chatID, args[1:]) {
		return fmt.Errorf("acknowledgement not published")
	}
	return nil
}

func (c *console) switchPublisher(ctx context.Context, args []string) error {
	if c.multi == nil {
		return fmt.Errorf("switch needs an admin session")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: switch <publisher-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid publisher id %q", args[0])
	}
	admin, ok := c.multi.CurrentAdmin()
	if !ok {
		return domain.ErrNotInitialized
	}
	p, ok := admin.FindPublisher(id)
	if !ok {
		return fmt.Errorf("unknown publisher %d", id)
	}
	if !c.multi.SwitchPublisher(ctx, p) {
		return fmt.Errorf("switch to publisher %d failed", id)
	}
	return nil
}

func (c *console) open(ctx context.Context, args []string, subscribe bool) error {
	if c.multi == nil {
		return fmt.Errorf("applicant channels need an admin session")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: open|close <applicant-id> <handle> [chat]")
	}
	ids, err := parseInts(args)
	if err != nil {
		return err
	}
	p, ok := c.multi.CurrentPublisher()
	if !ok {
		return fmt.Errorf("no publisher selected, use switch first")
	}

	a := domain.Applicant{ID: ids[0], Handle: ids[1], PublisherID: p.ID}
	if len(ids) > 2 {
		a.ChatID = ids[2]
	}
	if subscribe {
		if !c.multi.SubscribeApplicantChannel(ctx, a) {
			return fmt.Errorf("could not open applicant %d", a.ID)
		}
		return nil
	}
	if !c.multi.UnsubscribeApplicantChannel(ctx, a) {
		return fmt.Errorf("applicant %d was not open", a.ID)
	}
	return nil
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, 0, len(args))
	for _, s := range args {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}
