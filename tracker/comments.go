package tracker

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatAmount renders a token amount with thousands separators.
func FormatAmount(amount uint64) string {
	return printer.Sprintf("%d", amount)
}

func bountyLink(dashboardURL, slug string) string {
	if dashboardURL == "" || slug == "" {
		return ""
	}
	return fmt.Sprintf("\n\n[View bounty](%s/bounties/%s)", strings.TrimRight(dashboardURL, "/"), slug)
}

func FundedComment(amount uint64, escrow, dashboardURL, slug string) string {
	return fmt.Sprintf("💰 **Bounty funded:** %s tokens are held in escrow `%s`.\n\n"+
		"Open a pull request that closes this issue and include your payout wallet "+
		"(`wallet: <address>`) to claim it.%s",
		FormatAmount(amount), escrow, bountyLink(dashboardURL, slug))
}

func WinnerComment(login string, amount uint64, hasWallet bool) string {
	msg := fmt.Sprintf("🏆 @%s this pull request was selected as the winning submission for a %s token bounty.",
		login, FormatAmount(amount))
	if !hasWallet {
		msg += "\n\nNo payout wallet is on record yet. Add one before the reward can be released."
	}
	return msg
}

func ReleasedComment(amount uint64, destination, signature string) string {
	return fmt.Sprintf("✅ **Bounty paid:** %s tokens released to `%s`.\n\nTransaction: `%s`",
		FormatAmount(amount), destination, signature)
}

func CancelRequestedComment() string {
	return "⏸️ The maintainer asked to cancel this bounty. An admin will review the request before any refund."
}

func CancelledComment() string {
	return "🚫 This bounty was cancelled and linked pull requests are closed. Escrowed funds are returned to the funder."
}

func SubmissionRejectedComment() string {
	return "This submission was not accepted for the bounty."
}

func InvalidWalletComment(candidate string) string {
	return fmt.Sprintf("⚠️ `%s` is not a valid payout address. Your submission is recorded without a wallet; "+
		"update it from the dashboard before payout.", candidate)
}

func DeadlineComment(deadline time.Time, amount uint64) string {
	return fmt.Sprintf("⏰ The deadline for this %s token bounty passed on %s and no submission has been selected yet.",
		FormatAmount(amount), deadline.UTC().Format("2006-01-02"))
}
