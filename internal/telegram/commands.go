package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/producer"
	"github.com/digkill/TGGenBot/internal/service"
)

var errUsage = errors.New("usage")

type generateArgs struct {
	Model  string
	Count  int
	Prompt string
}

// Prompts expands the request into one prompt per requested unit.
func (a generateArgs) Prompts() []string {
	prompts := make([]string, a.Count)
	for i := range prompts {
		prompts[i] = a.Prompt
	}
	return prompts
}

// parseGenerateArgs reads "<model> [count] <prompt>".
func parseGenerateArgs(raw string) (generateArgs, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return generateArgs{}, errUsage
	}
	args := generateArgs{Model: strings.ToLower(fields[0]), Count: 1}
	rest := fields[1:]
	if n, err := strconv.Atoi(rest[0]); err == nil && len(rest) > 1 {
		if n < 1 {
			return generateArgs{}, fmt.Errorf("%w: count must be at least 1", errUsage)
		}
		args.Count = n
		rest = rest[1:]
	}
	args.Prompt = strings.Join(rest, " ")
	return args, nil
}

// parseBuyArgs returns the zero-based package index, or -1 when no package was named.
func parseBuyArgs(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return -1, errUsage
	}
	return n - 1, nil
}

func formatPackages(pkgs []config.CreditPackage, currency string) string {
	if len(pkgs) == 0 {
		return "No credit packages are on sale right now."
	}
	var b strings.Builder
	b.WriteString("Credit packages:\n")
	for i, p := range pkgs {
		fmt.Fprintf(&b, "%d. %d credits for %s %s\n", i+1, p.Credits, p.Price.StringFixed(2), currency)
	}
	b.WriteString("\nSend /buy <number> to get a payment link.")
	return b.String()
}

func formatModels(models []producer.Model) string {
	var b strings.Builder
	b.WriteString("Models:\n")
	for _, m := range models {
		title := m.Title
		if title == "" {
			title = m.Name
		}
		fmt.Fprintf(&b, "%s (%s): %d credits per image\n", m.Name, title, m.CostPerUnit)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBalance(summary *service.UserSummary) string {
	return fmt.Sprintf("Free generations left: %d of %d\nCredits: %d",
		summary.FreeRemaining, summary.User.FreeTotal, summary.User.CreditBalance)
}

func formatQuoteRefusal(q *service.Quote, requested int) string {
	return fmt.Sprintf("Not enough credits for %d image(s): %d free left, %d credits, %d credits per image. Use /buy to top up.",
		requested, q.FreeRemaining, q.Balance, q.CostPerUnit)
}

// formatBatchSummary reports failed units and the final charge.
func formatBatchSummary(res *service.BatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d image(s) ready.", res.Model, res.Succeeded, len(res.Units))
	for _, u := range res.Units {
		if !u.OK() {
			fmt.Fprintf(&b, "\n#%d failed: %s", u.Index+1, unitError(u.Err))
		}
	}
	if res.Succeeded > 0 {
		fmt.Fprintf(&b, "\nCharged: %d free, %d credits.", res.FreeUsed, res.CreditsCharged)
	} else {
		b.WriteString("\nNothing was charged.")
	}
	return b.String()
}

func unitError(err error) string {
	switch {
	case errors.Is(err, service.ErrUnitTimeout):
		return "timed out"
	case errors.Is(err, producer.ErrEmptyResult):
		return "no image returned"
	default:
		return "generation error"
	}
}

const helpText = `Commands:
/models - list models and prices
/generate <model> [count] <prompt> - generate images
/balance - free generations and credits
/buy [number] - buy credits

Send a photo with a /generate caption to use it as a reference.`
