/*
Copyright © 2024 pando
*/
package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "show balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/balances", nil)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "list pending operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/pending", nil)
	},
}

var currenciesCmd = &cobra.Command{
	Use:   "currencies",
	Short: "list configured currencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/currencies", nil)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "retry every pending operation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/retry", nil)
	},
}

var exchangeOpt struct {
	force bool
}

var exchangeCmd = &cobra.Command{
	Use:   "exchange <url>",
	Short: "update an exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/exchanges", map[string]any{
			"url":   args[0],
			"force": exchangeOpt.force,
		})
	},
}

func init() {
	rootCmd.AddCommand(balancesCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(currenciesCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(exchangeCmd)

	exchangeCmd.Flags().BoolVar(&exchangeOpt.force, "force", false, "ignore cached keys")
}
