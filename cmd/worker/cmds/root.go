package cmds

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/worker/scheduler"
	"github.com/pandodao/generic"
	"github.com/spf13/cobra"
)

type Cmd struct {
	Wallet    core.WalletService
	Scheduler *scheduler.Scheduler
}

func (c *Cmd) Run(ctx context.Context, args []string) error {
	root := &cobra.Command{
		Use:   "ecash-wallet",
		Short: "ecash-wallet",
	}

	root.AddCommand(c.balancesCmd())
	root.AddCommand(c.pendingCmd())
	root.AddCommand(c.currenciesCmd())
	root.AddCommand(c.updateExchangeCmd())
	root.AddCommand(c.withdrawCmd())
	root.AddCommand(c.retryCmd())
	root.AddCommand(c.runUntilDoneCmd())

	root.SetArgs(args)
	root.SetOut(os.Stdout)

	return root.ExecuteContext(ctx)
}

func (c *Cmd) balancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "show balances per currency and exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.Wallet.GetBalances(cmd.Context())
			if err != nil {
				return err
			}

			return jsonPrint(cmd, b)
		},
	}
}

func (c *Cmd) pendingCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "list pending operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.Wallet.GetPending(cmd.Context())
			if err != nil {
				return err
			}

			if verbose {
				return jsonPrint(cmd, p)
			}

			return jsonPrint(cmd, generic.MapSlice(p.Operations, summaryFromOperation))
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every field of the operations")
	return cmd
}

func (c *Cmd) currenciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "currencies",
		Short: "list configured currencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.Wallet.Currencies(cmd.Context())
			if err != nil {
				return err
			}

			return jsonPrint(cmd, generic.MapSlice(records, summaryFromCurrency))
		},
	}
}

func (c *Cmd) updateExchangeCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "update-exchange <url>",
		Short: "fetch keys and wire info of an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.Wallet.UpdateExchange(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}

			return jsonPrint(cmd, e)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore the cached keys")
	return cmd
}

func (c *Cmd) withdrawCmd() *cobra.Command {
	var exchange string

	cmd := &cobra.Command{
		Use:   "withdraw <status-url>",
		Short: "accept a bank integrated withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.Wallet.AcceptWithdrawal(cmd.Context(), args[0], exchange)
			if err != nil {
				return err
			}

			return jsonPrint(cmd, resp)
		},
	}

	cmd.Flags().StringVar(&exchange, "exchange", "", "exchange to use instead of the bank's suggestion")
	return cmd
}

func (c *Cmd) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "run every pending operation now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Wallet.RetryPendingNow(cmd.Context())
		},
	}
}

func (c *Cmd) runUntilDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-until-done",
		Short: "process pending operations until none gives liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Scheduler.RunUntilDone(cmd.Context()); err != nil {
				return err
			}

			b, err := c.Wallet.GetBalances(cmd.Context())
			if err != nil {
				return err
			}

			return jsonPrint(cmd, b)
		},
	}
}

func jsonPrint(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
