package bot

import (
	"fmt"
	"strings"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/events"
	"ussd-airtime-bot/model"
)

type buyArgs struct {
	sim         string
	destination string
	amount      string
	force       bool
}

func parseBuyArgs(args []string) (buyArgs, error) {
	if n := len(args); n == 4 && strings.EqualFold(args[3], "force") {
		return buyArgs{sim: args[0], destination: args[1], amount: args[2], force: true}, nil
	}
	if len(args) != 3 {
		return buyArgs{}, errUsage
	}
	return buyArgs{sim: args[0], destination: args[1], amount: args[2]}, nil
}

func statusIcon(s model.TransactionStatus) string {
	switch s {
	case model.StatusQueued:
		return "📋"
	case model.StatusPending:
		return "⏳"
	case model.StatusSuccess:
		return "✅"
	case model.StatusFailure:
		return "❌"
	default:
		return "❔"
	}
}

func formatBalances(reports []balance.Report) string {
	if len(reports) == 0 {
		return "No SIMs configured\\."
	}
	var b strings.Builder
	b.WriteString("💰 *Balances*:\n\n")
	for _, r := range reports {
		switch {
		case r.Err != nil:
			fmt.Fprintf(&b, "❌ *%s*: check failed \\(%s\\)\n", escapeMarkdownV2(r.SIM.OperatorName), escapeMarkdownV2(r.Err.Error()))
		case r.NoReply:
			fmt.Fprintf(&b, "❔ *%s*: no reply, last known `%s`\n", escapeMarkdownV2(r.SIM.OperatorName), escapeMarkdownV2Code(r.Balance))
		case r.Review:
			fmt.Fprintf(&b, "⚠️ *%s*: `%s`\n", escapeMarkdownV2(r.SIM.OperatorName), escapeMarkdownV2Code(r.Balance))
		default:
			fmt.Fprintf(&b, "📶 *%s*: `%s`\n", escapeMarkdownV2(r.SIM.OperatorName), escapeMarkdownV2Code(r.Balance))
		}
	}
	return b.String()
}

func formatTransactions(title string, txs []model.Transaction) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString(":\n")
	if len(txs) == 0 {
		b.WriteString("none\\.\n")
		return b.String()
	}
	for _, tx := range txs {
		fmt.Fprintf(&b, "\\- %s `%s` %s → `%s`\n", escapeMarkdownV2(tx.Operator), escapeMarkdownV2Code(tx.Amount),
			escapeMarkdownV2(string(tx.Kind)), escapeMarkdownV2Code(tx.Crux))
	}
	return b.String()
}

func worthAlerting(e events.Event) bool {
	if e.Type != events.TypeStatus {
		return true
	}
	return e.Status == model.StatusSuccess.String() ||
		e.Status == model.StatusFailure.String() ||
		e.Status == model.StatusUnknown.String()
}

func formatEvent(e events.Event) string {
	switch e.Type {
	case events.TypeHalted:
		return fmt.Sprintf("⛔ *%s halted*\n%s", escapeMarkdownV2(e.Operator), escapeMarkdownV2(e.Detail))
	case events.TypeLowBalance:
		return fmt.Sprintf("📉 *%s low balance*\n%s", escapeMarkdownV2(e.Operator), escapeMarkdownV2(e.Detail))
	default:
		return fmt.Sprintf("%s *%s*\n%s", statusIconFor(e.Status), escapeMarkdownV2(e.Status), escapeMarkdownV2(e.Detail))
	}
}

func statusIconFor(name string) string {
	for _, s := range []model.TransactionStatus{model.StatusQueued, model.StatusPending, model.StatusSuccess, model.StatusFailure} {
		if s.String() == name {
			return statusIcon(s)
		}
	}
	return statusIcon(model.StatusUnknown)
}
