package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/service"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCancelCmd)
	rootCmd.AddCommand(hashPINCmd)
}

// ─── sync ───────────────────────────────────────────────────────────────────

var syncCmd = &cobra.Command{
	Use:                "sync [flags]",
	Short:              "Send one batch of the sync queue to the head office",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, func(ctx context.Context, a *app) error {
			if a.cfg.SyncEndpoint == "" {
				return errors.New("sync endpoint is not configured (-r or SYNC_ENDPOINT)")
			}
			report, err := a.service.SyncNow(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

// ─── recover ────────────────────────────────────────────────────────────────

var recoverCmd = &cobra.Command{
	Use:   "recover [flags]",
	Short: "Finish transactions interrupted by a crash",
	Long: `Re-apply stock changes and the final write for every transaction
left in progress. Safe to run repeatedly; serve runs it on startup.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, func(ctx context.Context, a *app) error {
			report, err := a.service.Recover(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

// ─── queue ──────────────────────────────────────────────────────────────────

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the sync queue",
}

var queueStatusCmd = &cobra.Command{
	Use:                "status [flags]",
	Short:              "Show queue entries by status",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, func(ctx context.Context, a *app) error {
			counts, err := a.service.SyncStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		})
	},
}

var queueFailedCmd = &cobra.Command{
	Use:                "failed [flags]",
	Short:              "List entries that ran out of sync attempts",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, func(ctx context.Context, a *app) error {
			entries, err := a.service.FailedSync(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(w, "no failed entries")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\tattempts=%d\t%s\n",
					e.Seq, e.Ref.Type, e.Ref.ID, e.Attempts, e.LastError)
			}
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:                "retry [flags]",
	Short:              "Return failed entries to the queue",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, func(ctx context.Context, a *app) error {
			n, err := a.service.RetrySync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d entries\n", n)
			return nil
		})
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel TYPE ID [flags]",
	Short: "Exclude one entry from sync",
	Long: `Cancel a pending or failed entry, e.g. "queue cancel TRANSACTION 42".
Entries that depend on it are marked failed on the next sync pass.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, rest, err := parseEntityRef(args)
		if err != nil {
			return err
		}
		return runWithApp(cmd, rest, func(ctx context.Context, a *app) error {
			if err := a.service.CancelSync(ctx, ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", ref.RecordID())
			return nil
		})
	},
}

// parseEntityRef берёт TYPE и ID из первых двух аргументов; остальные - флаги конфигурации.
func parseEntityRef(args []string) (model.EntityRef, []string, error) {
	if len(args) < 2 || strings.HasPrefix(args[0], "-") || strings.HasPrefix(args[1], "-") {
		return model.EntityRef{}, nil, errors.New("usage: queue cancel TYPE ID [flags]")
	}
	ref := model.EntityRef{Type: model.EntityType(strings.ToUpper(args[0])), ID: args[1]}
	if !ref.Type.Valid() {
		return model.EntityRef{}, nil, fmt.Errorf("unknown entity type %q", args[0])
	}
	return ref, args[2:], nil
}

// ─── hash-pin ───────────────────────────────────────────────────────────────

var hashPINCmd = &cobra.Command{
	Use:   "hash-pin CASHIER_ID PIN",
	Short: "Print the PIN hash for the cashiers setting",
	Long: `Print the value to put next to the cashier in CASHIERS
("anna:<hash>") or in the [cashiers] table of the settings file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), service.HashPIN(args[0], args[1]))
		return nil
	},
}
