package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"atlasux/pkg/client"
	"atlasux/pkg/intent"
	"atlasux/pkg/statebus"

	"github.com/spf13/cobra"
)

func (c *cli) intentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "intent",
		Aliases: []string{"intents"},
		Short:   "Create, inspect and decide intents",
	}
	cmd.AddCommand(
		c.intentCreateCmd(),
		c.intentGetCmd(),
		c.intentListCmd(),
		c.intentAuditCmd(),
		c.intentDecideCmd("approve", (*client.Client).Approve),
		c.intentDecideCmd("reject", (*client.Client).Reject),
		c.intentReportCmd(),
	)
	return cmd
}

func (c *cli) intentCreateCmd() *cobra.Command {
	var file, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit an intent draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var draft intent.DraftInput
			if err := json.Unmarshal(raw, &draft); err != nil {
				return fmt.Errorf("decode draft: %w", err)
			}
			if strings.TrimSpace(draft.TenantID) == "" {
				if draft.TenantID, err = c.tenant(); err != nil {
					return err
				}
			}
			out, replayed, err := c.client().CreateIntent(cmd.Context(), draft, key)
			if err != nil {
				return err
			}
			if replayed {
				fmt.Fprintln(cmd.ErrOrStderr(), "idempotent replay of an existing intent")
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "draft JSON file, - for stdin")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "idempotency key for safe retries")
	return cmd
}

func (c *cli) intentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			out, err := c.client().GetIntent(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
}

func (c *cli) intentListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			var st intent.Status
			if strings.TrimSpace(status) != "" {
				var ok bool
				if st, ok = intent.ParseStatus(status); !ok {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			out, err := c.client().ListIntents(cmd.Context(), tenant, st, limit)
			if err != nil {
				return err
			}
			if out == nil {
				out = []intent.Intent{}
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum intents to return")
	return cmd
}

func (c *cli) intentAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show an intent's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			out, err := c.client().Audit(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
}

type decideFunc func(cl *client.Client, ctx context.Context, tenantID, id, note string) (intent.Intent, error)

func (c *cli) intentDecideCmd(verb string, decide decideFunc) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: "Record a human " + verb + " decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			out, err := decide(c.client(), cmd.Context(), tenant, args[0], note)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note stored with the decision")
	return cmd
}

func (c *cli) intentReportCmd() *cobra.Command {
	var status, detail, executor, kid, keyFile string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report an execution outcome for an intent",
		Long: `report posts EXECUTED or FAILED for an intent the engine handed to an executor.
With --kid and --private-key the report is signed with the executor's Ed25519 key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			r := statebus.Report{TenantID: tenant, IntentID: args[0], Status: status, Detail: detail, Executor: executor}
			if strings.TrimSpace(kid) != "" || strings.TrimSpace(keyFile) != "" {
				signer, err := loadSigner(kid, keyFile)
				if err != nil {
					return err
				}
				if r, err = signer.SignReport(r); err != nil {
					return err
				}
			}
			out, err := c.client().ReportExecution(cmd.Context(), r)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "EXECUTED or FAILED")
	cmd.Flags().StringVar(&detail, "detail", "", "executor detail or error text")
	cmd.Flags().StringVar(&executor, "executor", "", "executor name (defaults to --kid when signing)")
	cmd.Flags().StringVar(&kid, "kid", "", "executor key id")
	cmd.Flags().StringVar(&keyFile, "private-key", "", "file holding the base64 Ed25519 private key")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func loadSigner(kid, keyFile string) (client.Signer, error) {
	if strings.TrimSpace(kid) == "" || strings.TrimSpace(keyFile) == "" {
		return client.Signer{}, errors.New("--kid and --private-key are required together")
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return client.Signer{}, fmt.Errorf("read private key: %w", err)
	}
	return client.NewSignerFromBase64(kid, string(raw))
}

func (c *cli) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Toggle a tenant's engine",
	}
	for _, verb := range []string{"enable", "disable"} {
		enabled := verb == "enable"
		cmd.AddCommand(&cobra.Command{
			Use:   verb,
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " automatic processing for --tenant",
			RunE: func(cmd *cobra.Command, args []string) error {
				tenant, err := c.tenant()
				if err != nil {
					return err
				}
				out, err := c.client().SetTenantEngine(cmd.Context(), tenant, enabled)
				if err != nil {
					return err
				}
				return c.print(out)
			},
		})
	}
	return cmd
}

func (c *cli) kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and invalidate the knowledge context cache",
	}
	var query string
	get := &cobra.Command{
		Use:   "get <agent>",
		Short: "Show the knowledge context assembled for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			out, err := c.client().Knowledge(cmd.Context(), tenant, args[0], query)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	get.Flags().StringVarP(&query, "query", "q", "", "query used to pick document chunks")

	invalidate := &cobra.Command{
		Use:   "invalidate [agent...]",
		Short: "Drop cached contexts for a tenant, or only for the named agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			if err := c.client().InvalidateKnowledge(cmd.Context(), tenant, args...); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "invalidated knowledge cache for %s\n", tenant)
			return nil
		},
	}
	cmd.AddCommand(get, invalidate)
	return cmd
}
