/*
Copyright © 2024 pando
*/
package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var payCmd = &cobra.Command{
	Use:   "pay <merchant-url> <order-id>",
	Short: "download a proposal and show whether it can be paid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/proposals", map[string]any{
			"merchant_url": args[0],
			"order_id":     args[1],
		})
	},
}

var confirmPayCmd = &cobra.Command{
	Use:   "confirm <proposal-id>",
	Short: "pay a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/proposals/"+args[0]+"/pay", nil)
	},
}

var refusePayCmd = &cobra.Command{
	Use:   "refuse <proposal-id>",
	Short: "refuse a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/proposals/"+args[0]+"/refuse", nil)
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund <proposal-id>",
	Short: "ask the merchant for refunds of a purchase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/purchases/"+args[0]+"/refund", nil)
	},
}

var tipCmd = &cobra.Command{
	Use:   "tip <merchant-url> <tip-id>",
	Short: "show a tip offered by a merchant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/tips", map[string]any{
			"merchant_url": args[0],
			"tip_id":       args[1],
		})
	},
}

var acceptTipCmd = &cobra.Command{
	Use:   "accept <wallet-tip-id>",
	Short: "accept a tip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/tips/"+args[0]+"/accept", nil)
	},
}

func init() {
	rootCmd.AddCommand(payCmd)
	payCmd.AddCommand(confirmPayCmd)
	payCmd.AddCommand(refusePayCmd)
	rootCmd.AddCommand(refundCmd)
	rootCmd.AddCommand(tipCmd)
	tipCmd.AddCommand(acceptTipCmd)
}
