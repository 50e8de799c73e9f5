package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/events"
	"ussd-airtime-bot/logging"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
)

const (
	listLimit      = 20
	requestTimeout = 90 * time.Second
	balanceTimeout = 5 * time.Minute
)

var errUsage = errors.New("usage: /buy <sim id or operator> <destination> <amount> [force]")

type Bot struct {
	B       *telebot.Bot
	machine *purchase.Machine
	store   *store.Store
	updater *balance.Updater
	admins  []int64
	log     *zap.Logger
}

func escapeMarkdownV2(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeMarkdownV2Code(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '`', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Keyboards
var (
	menuBtnBalance = telebot.Btn{Text: "💰 Balance"}
	menuBtnQueue   = telebot.Btn{Text: "📋 Queue"}
	menuBtnPending = telebot.Btn{Text: "⏳ Pending"}
	menuKeyboard   = &telebot.ReplyMarkup{ResizeKeyboard: true}
)

func NewBot(token string, admins []int64, m *purchase.Machine, st *store.Store, u *balance.Updater, log *zap.Logger) (*Bot, error) {
	pref := telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		B:       b,
		machine: m,
		store:   st,
		updater: u,
		admins:  admins,
		log:     logging.OrNop(log).Named("bot"),
	}

	menuKeyboard.Reply(
		menuKeyboard.Row(menuBtnBalance),
		menuKeyboard.Row(menuBtnQueue, menuBtnPending),
	)

	bot.registerHandlers()
	return bot, nil
}

func (bot *Bot) Start() {
	bot.B.Start()
}

func (bot *Bot) Stop() {
	bot.B.Stop()
}

func (bot *Bot) registerHandlers() {
	bot.B.Use(middleware.Whitelist(bot.admins...))

	bot.B.Handle("/start", bot.handleStart)
	bot.B.Handle("/balance", bot.handleBalance)
	bot.B.Handle("/buy", bot.handleBuy)
	bot.B.Handle("/queue", bot.handleQueue)
	bot.B.Handle("/pending", bot.handlePending)
	bot.B.Handle("/clear", bot.handleClear)

	bot.B.Handle(&menuBtnBalance, bot.handleBalance)
	bot.B.Handle(&menuBtnQueue, bot.handleQueue)
	bot.B.Handle(&menuBtnPending, bot.handlePending)

	// Keywords typed without the slash
	bot.B.Handle(telebot.OnText, bot.handleText)

	// Clear buttons attached to halt alerts
	bot.B.Handle(telebot.OnCallback, bot.handleCallback)
}

// --- Handlers ---

func (bot *Bot) handleStart(c telebot.Context) error {
	return c.Send("USSD airtime bot\\. Use the menu or /buy, /clear\\.", menuKeyboard, telebot.ModeMarkdownV2)
}

func (bot *Bot) handleBalance(c telebot.Context) error {
	msg, _ := bot.B.Send(c.Recipient(), "Checking balances, please wait...")

	reports, err := bot.checkBalances()
	if msg != nil {
		bot.B.Delete(msg)
	}
	if err != nil {
		return c.Send(fmt.Sprintf("❌ Balance check failed: %v", err))
	}
	return c.Send(formatBalances(reports), telebot.ModeMarkdownV2)
}

// checkBalances bounds a chat-triggered UpdateAll like a scheduled one.
func (bot *Bot) checkBalances() ([]balance.Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), balanceTimeout)
	defer cancel()
	return bot.updater.UpdateAll(ctx)
}

func (bot *Bot) handleBuy(c telebot.Context) error {
	args, err := parseBuyArgs(c.Args())
	if err != nil {
		return c.Send(err.Error())
	}
	return bot.buy(c, args)
}

func (bot *Bot) buy(c telebot.Context, args buyArgs) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sim, err := bot.findSIM(ctx, args.sim)
	if err != nil {
		return c.Send(fmt.Sprintf("❌ %v", err))
	}

	res, err := bot.machine.Initiate(ctx, purchase.Request{SIMID: sim.ID, Crux: args.destination, Amount: args.amount}, args.force)
	if err != nil {
		bot.log.Warn("purchase from chat failed", zap.Int64("user", c.Sender().ID), zap.Error(err))
		return c.Send(fmt.Sprintf("❌ %v", err))
	}
	if res.NoReply {
		return c.Send(res.Message())
	}
	return c.Send(fmt.Sprintf("%s *%s*\n`%s`", statusIcon(res.Transaction.Status),
		escapeMarkdownV2(res.Transaction.Status.String()), escapeMarkdownV2Code(res.Reply)), telebot.ModeMarkdownV2)
}

func (bot *Bot) handleQueue(c telebot.Context) error {
	return bot.sendTransactions(c, model.StatusQueued, "📋 *Queued*")
}

func (bot *Bot) handlePending(c telebot.Context) error {
	return bot.sendTransactions(c, model.StatusPending, "⏳ *Pending*")
}

func (bot *Bot) sendTransactions(c telebot.Context, status model.TransactionStatus, title string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	txs, err := bot.store.ListTransactions(ctx, store.TransactionFilter{Status: status, Limit: listLimit})
	if err != nil {
		return c.Send(fmt.Sprintf("❌ %v", err))
	}
	msg := formatTransactions(title, txs)
	halted, err := bot.machine.HaltedOperators(ctx)
	if err != nil {
		bot.log.Warn("list halted operators failed", zap.Error(err))
	}
	if len(halted) > 0 && status == model.StatusPending {
		msg += "\n⛔ Halted: " + escapeMarkdownV2(strings.Join(halted, ", "))
		return c.Send(msg, clearMenu(halted), telebot.ModeMarkdownV2)
	}
	return c.Send(msg, telebot.ModeMarkdownV2)
}

func (bot *Bot) handleClear(c telebot.Context) error {
	name := strings.TrimSpace(c.Message().Payload)
	if name == "" {
		return c.Send("usage: /clear <operator>")
	}
	return c.Send(bot.clear(name))
}

func (bot *Bot) clear(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	n, err := bot.machine.Clear(ctx, name)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	return fmt.Sprintf("✅ %s cleared, %d pending marked unknown", name, n)
}

// handleText accepts "balance" and "buy ..." typed without the slash.
func (bot *Bot) handleText(c telebot.Context) error {
	text := strings.ToLower(strings.TrimSpace(c.Text()))
	switch {
	case strings.HasPrefix(text, "balance"):
		return bot.handleBalance(c)
	case strings.HasPrefix(text, "buy"):
		args, err := parseBuyArgs(strings.Fields(c.Text())[1:])
		if err != nil {
			return c.Send(err.Error())
		}
		return bot.buy(c, args)
	}
	return nil
}

// Callback handler for the clear buttons
func (bot *Bot) handleCallback(c telebot.Context) error {
	data := strings.TrimSpace(c.Callback().Data)
	unique := strings.TrimSpace(c.Callback().Unique)

	if unique == "clear" {
		result := bot.clear(data)
		c.Respond(&telebot.CallbackResponse{Text: result})
		return c.Send(result)
	}
	return c.Respond()
}

func (bot *Bot) findSIM(ctx context.Context, ref string) (*model.SIM, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return bot.store.SIM(ctx, uint(id))
	}
	return bot.store.SIMByOperator(ctx, ref)
}

// Publish sends alerts to every admin: halted operators, low balances and
// purchases that reached a final status.
func (bot *Bot) Publish(_ context.Context, e events.Event) error {
	if !worthAlerting(e) {
		return nil
	}
	text := formatEvent(e)
	var opts []any
	opts = append(opts, telebot.ModeMarkdownV2)
	if e.Type == events.TypeHalted {
		opts = append(opts, clearMenu([]string{e.Operator}))
	}

	var errs []error
	for _, id := range bot.admins {
		if _, err := bot.B.Send(&telebot.User{ID: id}, text, opts...); err != nil {
			errs = append(errs, fmt.Errorf("alert admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func clearMenu(operators []string) *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	for _, name := range operators {
		btnClear := telebot.Btn{
			Text:   fmt.Sprintf("🧹 Clear %s", name),
			Unique: "clear",
			Data:   name,
		}
		rows = append(rows, menu.Row(btnClear))
	}
	menu.Inline(rows...)
	return menu
}
