// Package telegram notifies an operator chat about finished workflows and
// answers a few commands from that chat.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
	"github.com/mtzanidakis/docpipe/internal/pipeline"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	"github.com/nats-io/nats.go"
)

const maxMessageLen = 4096

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	pipe    *pipeline.Pipeline
	events  *natsbus.Client
	chatID  int64
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, p *pipeline.Pipeline, events *natsbus.Client) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, pipe: p, events: events, chatID: cfg.ChatID}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.events != nil && b.chatID != 0 {
		sub, err := b.events.Subscribe(natsbus.TopicEventsWorkflows, func(msg *nats.Msg) {
			b.notify(ctx, msg.Data)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe workflow events: %w", err)
		}
		defer sub.Unsubscribe()
	}

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) notify(ctx context.Context, data []byte) {
	text, ok := formatWorkflowEvent(data)
	if !ok {
		return
	}
	if err := b.SendMessage(ctx, b.chatID, text); err != nil {
		slog.Error("failed to send telegram notification", "chat", b.chatID, "error", err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.chatID {
		slog.Warn("telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}

	cmd, arg := parseCommand(msg.Text)
	var reply string
	switch cmd {
	case "status":
		reply = formatStatus(b.pipe.Orchestrator.SystemStatus())
	case "workflow":
		snap, err := b.pipe.Orchestrator.GetStatus(arg)
		if err != nil {
			reply = err.Error()
			break
		}
		reply = fmt.Sprintf("%s: %s at %s", snap.WorkflowID, snap.Status, snap.CurrentStep)
	case "ask":
		ans, err := b.pipe.Query.Answer(arg, 3)
		if err != nil {
			reply = err.Error()
			break
		}
		reply = ans.Answer
	default:
		reply = "Commands: /status, /workflow <id>, /ask <question>"
	}

	if err := b.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", msg.Chat.ID, "error", err)
	}
}

// parseCommand splits "/ask what now" into "ask" and "what now". A bot
// suffix such as /status@docpipe_bot is dropped.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ := strings.Cut(text[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// formatWorkflowEvent renders finished workflows; other events are skipped.
func formatWorkflowEvent(data []byte) (string, bool) {
	var ev struct {
		Type string                 `json:"type"`
		Data pipeline.WorkflowEvent `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false
	}

	switch ev.Type {
	case orchestrator.EventCompleted:
		return fmt.Sprintf("Document %s processed (%s).", ev.Data.DocumentID, ev.Data.WorkflowID), true
	case orchestrator.EventFailed:
		reason := "unknown error"
		if n := len(ev.Data.ErrorLog); n > 0 {
			last := ev.Data.ErrorLog[n-1]
			reason = fmt.Sprintf("%s at %s: %s", last.Agent, last.Step, last.Error)
		}
		return fmt.Sprintf("Document %s failed (%s).\n%s", ev.Data.DocumentID, ev.Data.WorkflowID, reason), true
	}
	return "", false
}

func formatStatus(s orchestrator.SystemStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflows: %d active, %d total\nMessages: %d\n", s.ActiveWorkflows, s.TotalWorkflows, s.HistorySize)

	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := s.Agents[id]
		fmt.Fprintf(&sb, "%s: %s, %d processed, %d errors\n", id, a.Status, a.Metrics.MessagesProcessed, a.Metrics.Errors)
	}
	return strings.TrimRight(sb.String(), "\n")
}
