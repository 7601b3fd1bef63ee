package confirm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// LogNotifier records the pending confirmation in the gateway log. The
// fallback when no interactive or webhook channel is configured; operators
// resolve the record through the management API.
type LogNotifier struct{}

// Name implements Notifier.
func (LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (LogNotifier) Notify(c Confirmation) error {
	log.Warn("CONFIRMATION REQUIRED [%s] %s/%s risk=%s: %s (resolve via API before %s)",
		c.ID, c.ToolName, c.Operation, c.RiskLevel, c.Message, c.ExpiresAt.Format(time.RFC3339))
	return nil
}

// WebhookNotifier POSTs the confirmation as JSON to an external approval
// endpoint (chat bot, ticketing system, approval service).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with a bounded timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(c Confirmation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post confirmation webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("confirmation webhook returned %s", resp.Status)
	}
	return nil
}

var (
	promptTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F4D03F"))
	promptRiskStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EC7063"))
)

// ResolveFunc reports the approver's answer back to the manager. Wired to
// Manager.Resolve so the notifier stays decoupled from the manager type.
type ResolveFunc func(id string, confirmed bool, userID string) bool

// PromptNotifier shows an interactive terminal dialog and feeds the answer
// back through the resolve callback. Requires a TTY; Notify fails otherwise
// so the manager falls back to out-of-band resolution.
type PromptNotifier struct {
	Resolve ResolveFunc
}

// NewPromptNotifier creates an interactive prompt notifier.
func NewPromptNotifier(resolve ResolveFunc) *PromptNotifier {
	return &PromptNotifier{Resolve: resolve}
}

// Name implements Notifier.
func (n *PromptNotifier) Name() string { return "prompt" }

// Notify implements Notifier. Blocks on the approver, so the manager calls
// it from a goroutine; the pending record is already stored and the
// original caller already got its synchronous "pending" response.
func (n *PromptNotifier) Notify(c Confirmation) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal, cannot prompt")
	}

	title := promptTitleStyle.Render("Approval required: "+c.ToolName) +
		" " + promptRiskStyle.Render("["+string(c.RiskLevel)+"]")

	approved := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(fmt.Sprintf("%s\noperation: %s\nexpires: %s",
				c.Message, c.Operation, c.ExpiresAt.Format(time.RFC3339))).
			Affirmative("Approve").
			Negative("Deny").
			Value(&approved),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("confirmation prompt: %w", err)
	}

	if n.Resolve != nil && !n.Resolve(c.ID, approved, c.UserID) {
		log.Warn("Prompt answer for %s arrived after the record resolved", c.ID)
	}
	return nil
}
