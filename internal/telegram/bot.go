// Package telegram exposes the assistant as a Telegram bot. Users send a
// prompt as text, or a CSV document that is bound as df for their following
// prompts.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"codeassist/internal/assistant"
	"codeassist/internal/auth"
	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/memory"
	"codeassist/internal/pending"
	"codeassist/internal/sandbox"
)

const (
	resetCmd      = "reset_ctx"
	approvePrefix = "approve:"
	denyPrefix    = "deny:"

	// Telegram rejects messages longer than this.
	maxMessageRunes = 4096

	codeBudget   = 2000
	resultBudget = 1500
	errorBudget  = 500
)

type Assistant interface {
	Handle(ctx context.Context, req assistant.Request) (assistant.Reply, error)
	Run(ctx context.Context, code string, ds *dataset.Frame) sandbox.Result
	Memory() *memory.Manager
}

// Reporter renders the usage report sent by /report.
type Reporter func(ctx context.Context) (string, error)

type Options struct {
	AdminUserID    int64
	UploadMaxBytes int64
	Reporter       Reporter
	// Pending, when set, records access requests; only recorded users can be approved.
	Pending        *pending.Queue
	Logger         *slog.Logger
	HTTPClient     *http.Client
}

type Bot struct {
	api       *tgbotapi.BotAPI
	s         sender
	authSvc   *auth.Service
	assistant Assistant
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	datasets map[int64]*dataset.Frame
}

func New(botToken string, authSvc *auth.Service, a Assistant, opts Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	b := newBot(botAPISender{api: api}, authSvc, a, opts)
	b.api = api
	b.logger.Info("authorized on telegram", "account", api.Self.UserName)
	return b, nil
}

func newBot(s sender, authSvc *auth.Service, a Assistant, opts Options) *Bot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.UploadMaxBytes <= 0 {
		opts.UploadMaxBytes = 10 << 20
	}
	return &Bot{
		s:         s,
		authSvc:   authSvc,
		assistant: a,
		opts:      opts,
		logger:    opts.Logger,
		datasets:  make(map[int64]*dataset.Frame),
	}
}

// Start consumes updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil:
		b.handleIncomingMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	}
}

func sessionID(userID int64) string { return "tg:" + strconv.FormatInt(userID, 10) }

// SendToAdmin delivers text to the configured admin chat, if any.
func (b *Bot) SendToAdmin(text string) {
	if b.opts.AdminUserID == 0 {
		return
	}
	b.sendMessage(b.opts.AdminUserID, escape(text, maxMessageRunes))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !b.authSvc.IsAllowed(msg.From.ID) {
		b.denyAccess(msg)
		return
	}
	switch msg.Command() {
	case "start", "help":
		b.sendMessage(msg.Chat.ID, helpText)
	case "reset":
		b.reset(msg.From.ID)
		b.sendMessage(msg.Chat.ID, "Memory and dataset cleared.")
	case "run":
		code := strings.TrimSpace(msg.CommandArguments())
		if code == "" {
			b.sendMessage(msg.Chat.ID, "Usage: /run &lt;code&gt;")
			return
		}
		res := b.assistant.Run(ctx, code, b.dataset(msg.From.ID))
		b.sendMessage(msg.Chat.ID, formatResult(assistant.OutcomeOf(res), res.Text()))
	case "memory":
		b.sendMessage(msg.Chat.ID, formatMemory(b.assistant.Memory().All(sessionID(msg.From.ID))))
	default:
		b.handleAdminCommand(ctx, msg)
	}
}

func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From.ID != b.opts.AdminUserID {
		b.sendMessage(msg.Chat.ID, "Unknown command.")
		return
	}
	switch msg.Command() {
	case "allowlist":
		b.sendMessage(msg.Chat.ID, formatUsers("Allowlist:", b.authSvc.List()))
	case "pending":
		if b.opts.Pending == nil {
			b.sendMessage(msg.Chat.ID, "Access requests are not tracked.")
			return
		}
		b.sendMessage(msg.Chat.ID, formatUsers("Pending requests:", b.opts.Pending.List()))
	case "remove":
		uid, err := strconv.ParseInt(strings.TrimSpace(msg.CommandArguments()), 10, 64)
		if err != nil {
			b.sendMessage(msg.Chat.ID, "Usage: /remove &lt;user_id&gt;")
			return
		}
		if err := b.authSvc.Remove(uid); err != nil {
			b.sendMessage(msg.Chat.ID, "Remove failed: "+escape(err.Error(), errorBudget))
			return
		}
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("User %d removed from the allowlist.", uid))
	case "report":
		if b.opts.Reporter == nil {
			b.sendMessage(msg.Chat.ID, "Reports are not configured.")
			return
		}
		text, err := b.opts.Reporter(ctx)
		if err != nil {
			b.sendMessage(msg.Chat.ID, "Report failed: "+escape(err.Error(), errorBudget))
			return
		}
		b.sendMessage(msg.Chat.ID, escape(text, maxMessageRunes))
	default:
		b.sendMessage(msg.Chat.ID, "Unknown command.")
	}
}

const helpText = `Send a question and I will answer with code and run it.
Send a CSV file to make it available as <code>df</code>; a caption is treated as the prompt.

/run &lt;code&gt; runs code directly
/memory shows recent interactions
/reset clears memory and the dataset`

func (b *Bot) denyAccess(msg *tgbotapi.Message) {
	b.logger.Warn("unauthorized access attempt", "user_id", msg.From.ID, "username", msg.From.UserName)
	if b.opts.Pending != nil {
		fresh, err := b.opts.Pending.Add(auth.User{
			ID:        msg.From.ID,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		})
		if err != nil {
			b.logger.Error("failed to persist access request", "err", err)
		}
		if !fresh {
			b.sendMessage(msg.Chat.ID, "Your access request is still pending.")
			return
		}
	}
	b.sendMessage(msg.Chat.ID, "Access request sent to the administrator.")
	if b.opts.AdminUserID == 0 {
		return
	}
	text := fmt.Sprintf("User @%s (id %d) asks for access", html.EscapeString(msg.From.UserName), msg.From.ID)
	out := tgbotapi.NewMessage(b.opts.AdminUserID, text)
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("allow", approvePrefix+strconv.FormatInt(msg.From.ID, 10)),
			tgbotapi.NewInlineKeyboardButtonData("deny", denyPrefix+strconv.FormatInt(msg.From.ID, 10)),
		),
	)
	if _, err := b.s.Send(out); err != nil {
		b.logger.Error("failed to notify admin", "err", err)
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !b.authSvc.IsAllowed(msg.From.ID) {
		b.denyAccess(msg)
		return
	}
	prompt := msg.Text
	if msg.Document != nil {
		ds, err := b.loadDocument(ctx, msg.Document)
		if err != nil {
			b.logger.Warn("failed to load document", "user_id", msg.From.ID, "file", msg.Document.FileName, "err", err)
			b.sendMessage(msg.Chat.ID, "Could not load the file: "+escape(err.Error(), errorBudget))
			return
		}
		b.setDataset(msg.From.ID, ds)
		prompt = msg.Caption
		if strings.TrimSpace(prompt) == "" {
			b.sendMessage(msg.Chat.ID, fmt.Sprintf("Loaded <b>%s</b> with %d rows and columns %s. Ask a question about <code>df</code>.",
				escape(ds.Name, 200), ds.Len(), escape(strings.Join(ds.Columns, ", "), resultBudget)))
			return
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return
	}

	logger := b.logger.With("user_id", msg.From.ID)
	logger.Info("incoming prompt", "chars", utf8.RuneCountInString(prompt))
	reply, err := b.assistant.Handle(ctx, assistant.Request{
		Session: sessionID(msg.From.ID),
		Prompt:  prompt,
		Dataset: b.dataset(msg.From.ID),
	})
	if err != nil {
		logger.Error("assistant failed", "err", err)
		if errors.Is(err, llm.ErrUpstream) {
			b.sendMessage(msg.Chat.ID, "The language model is unavailable, please try again later.")
		} else {
			b.sendMessage(msg.Chat.ID, "Sorry, something went wrong.")
		}
		return
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, formatReply(reply))
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Reset memory", resetCmd),
		),
	)
	if _, err := b.s.Send(out); err != nil {
		logger.Error("failed to send message", "err", err)
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	if _, err := b.s.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Debug("failed to answer callback", "err", err)
	}
	switch {
	case cb.Data == resetCmd:
		b.reset(cb.From.ID)
		if cb.Message != nil {
			b.sendMessage(cb.Message.Chat.ID, "Memory cleared.")
		}
	case strings.HasPrefix(cb.Data, approvePrefix), strings.HasPrefix(cb.Data, denyPrefix):
		if cb.From.ID != b.opts.AdminUserID {
			return
		}
		approve := strings.HasPrefix(cb.Data, approvePrefix)
		id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimPrefix(cb.Data, approvePrefix), denyPrefix), 10, 64)
		if err != nil {
			return
		}
		user := auth.User{ID: id}
		if b.opts.Pending != nil {
			u, ok, err := b.opts.Pending.Take(id)
			if err != nil {
				b.logger.Error("failed to update access requests", "err", err)
			}
			if !ok {
				b.sendMessage(b.opts.AdminUserID, fmt.Sprintf("No pending request from user %d.", id))
				return
			}
			user = u
		}
		if approve {
			if err := b.authSvc.Upsert(user); err != nil {
				b.logger.Error("failed to persist allowlist", "err", err)
			}
			b.sendMessage(id, "Access granted. Send /help to get started.")
			b.sendMessage(b.opts.AdminUserID, fmt.Sprintf("User %d approved.", id))
			return
		}
		b.sendMessage(id, "Access denied.")
		b.sendMessage(b.opts.AdminUserID, fmt.Sprintf("User %d denied.", id))
	}
}

func (b *Bot) reset(userID int64) {
	b.assistant.Memory().Reset(sessionID(userID))
	b.setDataset(userID, nil)
}

func (b *Bot) dataset(userID int64) *dataset.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.datasets[userID]
}

func (b *Bot) setDataset(userID int64, ds *dataset.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ds == nil {
		delete(b.datasets, userID)
		return
	}
	b.datasets[userID] = ds
}

func (b *Bot) loadDocument(ctx context.Context, doc *tgbotapi.Document) (*dataset.Frame, error) {
	if !strings.EqualFold(filepath.Ext(doc.FileName), ".csv") && doc.MimeType != "text/csv" {
		return nil, fmt.Errorf("only CSV files are supported, got %q", doc.FileName)
	}
	if int64(doc.FileSize) > b.opts.UploadMaxBytes {
		return nil, fmt.Errorf("file is larger than %d bytes", b.opts.UploadMaxBytes)
	}
	url, err := b.s.GetFileDirectURL(doc.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, b.opts.UploadMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if int64(len(data)) > b.opts.UploadMaxBytes {
		return nil, fmt.Errorf("file is larger than %d bytes", b.opts.UploadMaxBytes)
	}
	return dataset.FromCSV(doc.FileName, strings.NewReader(string(data)))
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.s.Send(msg); err != nil {
		b.logger.Error("failed to send message", "chat_id", chatID, "err", err)
	}
}

// Formatters escape plain text within a rune budget; markup is never cut.

func formatReply(r assistant.Reply) string {
	var sb strings.Builder
	if r.Code != "" {
		fmt.Fprintf(&sb, "<b>Code</b> (%s)\n<pre>%s</pre>\n", escape(r.Lang, 32), escape(r.Code, codeBudget))
	} else {
		sb.WriteString(escape(r.Response, codeBudget))
		sb.WriteString("\n\n")
	}
	sb.WriteString(formatResult(r.Outcome, r.Message()))
	return sb.String()
}

func formatResult(outcome memory.Outcome, text string) string {
	return fmt.Sprintf("<b>Result</b> [%s]\n<pre>%s</pre>", outcome, escape(text, resultBudget))
}

// formatMemory lists the newest records that fit in one message, oldest first.
func formatMemory(records []memory.Record) string {
	if len(records) == 0 {
		return "No interactions yet."
	}
	entries := make([]string, len(records))
	for i, r := range records {
		entries[i] = fmt.Sprintf("<b>%s</b> [%s]\n%s\n\n", escape(r.Prompt, 100), r.Outcome, escape(r.Response, 200))
	}
	const noteRunes = 64
	used, first := 0, len(entries)
	for first > 0 {
		n := utf8.RuneCountInString(entries[first-1])
		if used+n > maxMessageRunes-noteRunes {
			break
		}
		used += n
		first--
	}
	var sb strings.Builder
	if first > 0 {
		fmt.Fprintf(&sb, "<i>%d older records not shown</i>\n\n", first)
	}
	for _, e := range entries[first:] {
		sb.WriteString(e)
	}
	return sb.String()
}

func formatUsers(title string, users []auth.User) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n")
	used := utf8.RuneCountInString(title) + 1
	for i, u := range users {
		line := fmt.Sprintf("- id=%d @%s %s %s\n", u.ID, escape(u.Username, 64), escape(u.FirstName, 64), escape(u.LastName, 64))
		n := utf8.RuneCountInString(line)
		if used+n > maxMessageRunes-64 {
			fmt.Fprintf(&sb, "... and %d more\n", len(users)-i)
			break
		}
		sb.WriteString(line)
		used += n
	}
	return sb.String()
}

// escape HTML-escapes s, cutting it so the escaped form, including the
// trailing "...", is at most limit runes. Entities are never split.
func escape(s string, limit int) string {
	full := html.EscapeString(s)
	if utf8.RuneCountInString(full) <= limit {
		return full
	}
	const ellipsis = "..."
	var sb strings.Builder
	used := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		n := utf8.RuneCountInString(e)
		if used+n > limit-len(ellipsis) {
			break
		}
		sb.WriteString(e)
		used += n
	}
	sb.WriteString(ellipsis)
	return sb.String()
}
