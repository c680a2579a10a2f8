package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpmiddleware "github.com/paradixe-xz/evaInstance-sub000/internal/http/middleware"
)

type globalFlags struct {
	apiURL   string
	secret   string
	operator string
	tokenTTL time.Duration
	timeout  time.Duration
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "operatorctl",
		Short:         "Operate an outbound contact campaign",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVar(&g.apiURL, "api", envOr("CAMPAIGN_API_URL", "http://localhost:8080"), "campaign API base URL")
	pf.StringVar(&g.secret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "admin token signing secret")
	pf.StringVar(&g.operator, "operator", envOr("OPERATOR", envOr("USER", "operator")), "operator name recorded on actions")
	pf.DurationVar(&g.tokenTTL, "token-ttl", time.Hour, "lifetime of minted tokens")
	pf.DurationVar(&g.timeout, "timeout", 15*time.Second, "per-request timeout")

	root.AddCommand(newTokenCmd(g), newContactsCmd(g), newCampaignCmd(g), newQueueCmd(g))
	return root
}

func (g *globalFlags) token() (string, error) {
	if strings.TrimSpace(g.secret) == "" {
		return "", errors.New("--secret or ADMIN_JWT_SECRET is required")
	}
	return httpmiddleware.SignOperatorToken(g.secret, g.operator, g.tokenTTL)
}

func (g *globalFlags) client() (*adminClient, error) {
	token, err := g.token()
	if err != nil {
		return nil, err
	}
	return newAdminClient(g.apiURL, token, g.timeout), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTokenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a signed operator token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := g.token()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

type contactRecord struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// readContactsCSV expects a header row with phone and name columns. Every
// other column becomes a template field.
func readContactsCSV(r io.Reader) ([]contactRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	phoneCol, nameCol := -1, -1
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
		switch header[i] {
		case "phone":
			phoneCol = i
		case "name":
			nameCol = i
		}
	}
	if phoneCol < 0 || nameCol < 0 {
		return nil, errors.New("header must include phone and name columns")
	}

	var records []contactRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := contactRecord{Phone: strings.TrimSpace(row[phoneCol]), Name: strings.TrimSpace(row[nameCol])}
		for i, col := range header {
			if i == phoneCol || i == nameCol || col == "" || strings.TrimSpace(row[i]) == "" {
				continue
			}
			if rec.Fields == nil {
				rec.Fields = map[string]string{}
			}
			rec.Fields[col] = strings.TrimSpace(row[i])
		}
		records = append(records, rec)
	}
	return records, nil
}

func newContactsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "contacts", Short: "Manage campaign contacts"}

	importCmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Ingest contacts from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			records, err := readContactsCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			var out any
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/contacts", nil, records, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	contactAction := func(use, short, method, suffix string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <phone>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := g.client()
				if err != nil {
					return err
				}
				var out any
				path := "/admin/contacts/" + url.PathEscape(args[0]) + suffix
				if err := c.do(cmd.Context(), method, path, nil, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		}
	}

	cmd.AddCommand(
		importCmd,
		contactAction("get", "Show a contact", http.MethodGet, ""),
		contactAction("start", "Send the opening message", http.MethodPost, "/start"),
		contactAction("cancel", "Stop working a contact", http.MethodPost, "/cancel"),
	)
	return cmd
}

func newCampaignCmd(g *globalFlags) *cobra.Command {
	var limit int
	start := &cobra.Command{
		Use:   "start",
		Short: "Start every initial contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/campaigns/start", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	start.Flags().IntVar(&limit, "limit", 0, "start at most this many contacts (0 = all)")

	cmd := &cobra.Command{Use: "campaign", Short: "Campaign-wide actions"}
	cmd.AddCommand(start)
	return cmd
}

func newQueueCmd(g *globalFlags) *cobra.Command {
	var priority string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the hand-off queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if priority != "" {
				q.Set("priority", priority)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/handoff", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	list.Flags().StringVar(&priority, "priority", "", "only high, normal or low")
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries")

	var outcome, notes string
	closeCmd := &cobra.Command{
		Use:   "close <phone>",
		Short: "Close a hand-off after human follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			body := map[string]string{"outcome": outcome, "notes": notes}
			var out any
			path := "/admin/handoff/" + url.PathEscape(args[0]) + "/close"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	closeCmd.Flags().StringVar(&outcome, "outcome", "", "final outcome to record")
	closeCmd.Flags().StringVar(&notes, "notes", "", "operator notes")

	cmd := &cobra.Command{Use: "queue", Short: "Work the hand-off queue"}
	cmd.AddCommand(list, closeCmd)
	return cmd
}
