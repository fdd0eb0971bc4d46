package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/replydesk/internal/config"
	"github.com/kalambet/replydesk/internal/live"
)

type ticketView struct {
	ID            string   `json:"id"`
	ThreadID      string   `json:"thread_id"`
	CustomerEmail string   `json:"customer_email"`
	Subject       string   `json:"subject"`
	Status        string   `json:"status"`
	Priority      *string  `json:"priority"`
	AssigneeID    *string  `json:"assignee_id"`
	Tags          []string `json:"tags"`
}

type messageView struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

type draftView struct {
	ID            string `json:"id"`
	EmailID       string `json:"email_id"`
	TicketID      string `json:"ticket_id"`
	GeneratedText string `json:"generated_text"`
	DraftText     string `json:"draft_text"`
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func orDash(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}

// --- tickets ---

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List and file tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets visible to the acting user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		tickets, err := listTickets(cmd.Context(), client, ticketQuery(cmd))
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			printWarning("No tickets")
			return nil
		}
		renderTickets(cmd.OutOrStdout(), tickets)
		return nil
	},
}

func ticketQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"status", "assignee", "tag", "customer"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			q.Set(name, v)
		}
	}
	if v, _ := cmd.Flags().GetBool("unassigned"); v {
		q.Set("unassigned", "true")
	}
	if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
		q.Set("limit", fmt.Sprint(v))
	}
	return q
}

func listTickets(ctx context.Context, client *apiClient, q url.Values) ([]ticketView, error) {
	path := "/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var tickets []ticketView
	if err := decodeJSON(resp, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

func renderTickets(w io.Writer, tickets []ticketView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tASSIGNEE\tCUSTOMER\tSUBJECT\tTAGS")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, statusColor(t.Status), orDash(t.Priority), orDash(t.AssigneeID),
			t.CustomerEmail, t.Subject, strings.Join(t.Tags, ","))
	}
	tw.Flush()
}

var ticketsImportCmd = &cobra.Command{
	Use:   "import <message.eml>",
	Short: "File a raw RFC 5322 message as an inbound customer email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening message: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		tags, _ := cmd.Flags().GetString("tags")
		res, err := importMessage(cmd.Context(), client, f, splitTags(tags))
		if err != nil {
			return err
		}
		if res.Created {
			printSuccess("Opened ticket %s (%s)", res.Ticket.ID, res.Ticket.Subject)
		} else {
			printSuccess("Added message to ticket %s (now %s)", res.Ticket.ID, res.Ticket.Status)
		}
		return nil
	},
}

type importResult struct {
	Ticket    ticketView `json:"ticket"`
	MessageID string     `json:"message_id"`
	Created   bool       `json:"created"`
}

func importMessage(ctx context.Context, client *apiClient, raw io.Reader, tags []string) (importResult, error) {
	path := "/inbound"
	if len(tags) > 0 {
		path += "?tags=" + url.QueryEscape(strings.Join(tags, ","))
	}
	resp, err := client.doRaw(ctx, "POST", path, raw, "message/rfc822")
	if err != nil {
		return importResult{}, err
	}
	var res importResult
	err = decodeJSON(resp, &res)
	return res, err
}

func init() {
	ticketsListCmd.Flags().String("status", "", "filter by status (open, pending, on_hold, closed)")
	ticketsListCmd.Flags().String("assignee", "", "filter by assignee user ID")
	ticketsListCmd.Flags().Bool("unassigned", false, "only unassigned tickets")
	ticketsListCmd.Flags().String("tag", "", "filter by tag")
	ticketsListCmd.Flags().String("customer", "", "filter by customer email")
	ticketsListCmd.Flags().Int("limit", 0, "maximum number of tickets")
	ticketsImportCmd.Flags().String("tags", "", "comma-separated tags for a new ticket")
	ticketsCmd.AddCommand(ticketsListCmd, ticketsImportCmd)
}

// --- draft ---

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Generate, edit and send reply drafts",
}

var draftGenerateCmd = &cobra.Command{
	Use:   "generate <ticket-id>",
	Short: "Generate a reply draft for a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		emailID, _ := cmd.Flags().GetString("email")
		req := map[string]string{}
		if emailID != "" {
			req["email_id"] = emailID
		}

		printStep("Drafting reply for ticket %s...", args[0])
		resp, err := client.post(cmd.Context(), "/tickets/"+url.PathEscape(args[0])+"/drafts", req)
		if err != nil {
			return err
		}
		var out struct {
			Draft  draftView `json:"draft"`
			Action string    `json:"action"`
			Result struct {
				Fallback bool `json:"fallback"`
				Retried  bool `json:"retried"`
			} `json:"result"`
			LatencyMs int64 `json:"latency_ms"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), out.Draft.DraftText)
		if out.Result.Fallback {
			printWarning("No style exemplars indexed yet; returned the fallback reply")
		}
		if out.Result.Retried {
			printWarning("First completion contained a banned phrase and was regenerated")
		}
		printSuccess("Draft %s %s in %dms", out.Draft.ID, out.Action, out.LatencyMs)
		return nil
	},
}

var draftEditCmd = &cobra.Command{
	Use:   "edit <draft-id>",
	Short: "Replace the text of a draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := draftText(cmd)
		if err != nil {
			return err
		}
		if text == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.do(cmd.Context(), "PATCH", "/drafts/"+url.PathEscape(args[0]), map[string]string{"text": text})
		if err != nil {
			return err
		}
		var d draftView
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		printSuccess("Draft %s updated", d.ID)
		return nil
	},
}

var draftSendCmd = &cobra.Command{
	Use:   "send <draft-id>",
	Short: "Send a draft to the customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := draftText(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		var body any
		if text != "" {
			body = map[string]string{"text": text}
		}
		resp, err := client.post(cmd.Context(), "/drafts/"+url.PathEscape(args[0])+"/send", body)
		if err != nil {
			return err
		}
		var res struct {
			Message messageView `json:"message"`
			Event   struct {
				WasEdited bool `json:"was_edited"`
			} `json:"event"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		edited := "as generated"
		if res.Event.WasEdited {
			edited = "with edits"
		}
		printSuccess("Sent %s (%s)", res.Message.ID, edited)
		return nil
	},
}

func draftText(cmd *cobra.Command) (string, error) {
	text, _ := cmd.Flags().GetString("text")
	file, _ := cmd.Flags().GetString("file")
	if text != "" && file != "" {
		return "", fmt.Errorf("--text and --file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	return text, nil
}

func init() {
	draftGenerateCmd.Flags().String("email", "", "message to reply to (default: latest inbound)")
	for _, c := range []*cobra.Command{draftEditCmd, draftSendCmd} {
		c.Flags().String("text", "", "draft text")
		c.Flags().String("file", "", "read draft text from file")
	}
	draftCmd.AddCommand(draftGenerateCmd, draftEditCmd, draftSendCmd)
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <ticket-id>",
	Short: "Follow a ticket thread and who is typing on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		threadEvery, _ := cmd.Flags().GetDuration("thread-interval")
		typingEvery, _ := cmd.Flags().GetDuration("typing-interval")

		w := newThreadWatcher(client, args[0], cmd.OutOrStdout())
		session := live.NewSession()
		if err := session.Add(live.Task{Name: "thread", Interval: threadEvery, Run: w.refreshThread}); err != nil {
			return err
		}
		if err := session.Add(live.Task{Name: "typing", Interval: typingEvery, Run: w.refreshTyping}); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Watching ticket %s (Ctrl-C to stop)", args[0])
		if err := session.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		session.Stop()
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("thread-interval", 15*time.Second, "thread refresh interval")
	watchCmd.Flags().Duration("typing-interval", 2*time.Second, "typing presence refresh interval")
}

// threadWatcher prints messages and typing changes it has not shown yet.
type threadWatcher struct {
	client   *apiClient
	ticketID string
	out      io.Writer

	mu     sync.Mutex
	seen   map[string]bool
	typing string
}

func newThreadWatcher(client *apiClient, ticketID string, out io.Writer) *threadWatcher {
	return &threadWatcher{client: client, ticketID: ticketID, out: out, seen: make(map[string]bool)}
}

func (w *threadWatcher) refreshThread(ctx context.Context) error {
	resp, err := w.client.get(ctx, "/tickets/"+url.PathEscape(w.ticketID)+"/thread")
	if err != nil {
		return err
	}
	var thread struct {
		Ticket   ticketView    `json:"ticket"`
		Messages []messageView `json:"messages"`
	}
	if err := decodeJSON(resp, &thread); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range thread.Messages {
		if w.seen[m.ID] {
			continue
		}
		w.seen[m.ID] = true
		arrow := "<"
		if m.Direction == "outbound" {
			arrow = ">"
		}
		fmt.Fprintf(w.out, "%s %s %s\n%s\n\n", arrow, m.SentAt.Local().Format(time.DateTime), m.From, strings.TrimSpace(m.Body))
	}
	return nil
}

func (w *threadWatcher) refreshTyping(ctx context.Context) error {
	resp, err := w.client.get(ctx, "/tickets/"+url.PathEscape(w.ticketID)+"/typing")
	if err != nil {
		return err
	}
	var active struct {
		Typing []string `json:"typing"`
	}
	if err := decodeJSON(resp, &active); err != nil {
		return err
	}

	now := strings.Join(active.Typing, ", ")
	w.mu.Lock()
	defer w.mu.Unlock()
	if now == w.typing {
		return nil
	}
	w.typing = now
	if now == "" {
		fmt.Fprintln(w.out, colorize(colorCyan, "(nobody typing)"))
	} else {
		fmt.Fprintln(w.out, colorize(colorCyan, "("+now+" typing...)"))
	}
	return nil
}

// --- guardrails ---

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Show, stage and publish the guardrail policy",
}

var guardrailsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active and staged policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/guardrails")
		if err != nil {
			return err
		}
		var st struct {
			Active  guardrailPolicy  `json:"active"`
			Draft   *guardrailPolicy `json:"draft"`
			Pending bool             `json:"pending"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, colorize(colorBold, "Active"))
		st.Active.print(out)
		if st.Draft != nil {
			fmt.Fprintln(out, colorize(colorBold, "Staged (unpublished)"))
			st.Draft.print(out)
		}
		return nil
	},
}

type guardrailPolicy struct {
	ToneStyle   string   `json:"tone_style"`
	Rules       string   `json:"rules"`
	BannedWords []string `json:"banned_words"`
	TopicRules  []struct {
		Tag         string `json:"tag"`
		Instruction string `json:"instruction"`
	} `json:"topic_rules"`
}

func (p guardrailPolicy) print(w io.Writer) {
	fmt.Fprintf(w, "  tone: %s\n", p.ToneStyle)
	for _, line := range strings.Split(strings.TrimSpace(p.Rules), "\n") {
		if line != "" {
			fmt.Fprintf(w, "  rule: %s\n", line)
		}
	}
	for _, tr := range p.TopicRules {
		fmt.Fprintf(w, "  [%s] %s\n", tr.Tag, tr.Instruction)
	}
	if len(p.BannedWords) > 0 {
		fmt.Fprintf(w, "  banned: %s\n", strings.Join(p.BannedWords, ", "))
	}
}

var guardrailsImportCmd = &cobra.Command{
	Use:   "import <policy.yaml>",
	Short: "Stage a YAML guardrail policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening policy: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.doRaw(cmd.Context(), "PUT", "/guardrails", f, "application/yaml")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Policy staged; run 'replydesk guardrails publish' to activate it")
		return nil
	},
}

var guardrailsPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Activate the staged policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/guardrails/publish", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Guardrail policy published")
		return nil
	},
}

func init() {
	guardrailsCmd.AddCommand(guardrailsShowCmd, guardrailsImportCmd, guardrailsPublishCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
