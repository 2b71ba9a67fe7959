/*
Copyright © 2024 pando
*/
package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var reserveOpt struct {
	amount   string
	exchange string
}

var reserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "create a manual reserve",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/reserves", map[string]any{
			"amount":   reserveOpt.amount,
			"exchange": reserveOpt.exchange,
		})
	},
}

var confirmReserveCmd = &cobra.Command{
	Use:   "confirm <reserve-pub>",
	Short: "confirm the transfer to a reserve was made",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/reserves/"+args[0]+"/confirm", nil)
	},
}

var withdrawOpt struct {
	exchange string
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <status-url>",
	Short: "accept a bank integrated withdrawal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/withdrawals", map[string]any{
			"status_url": args[0],
			"exchange":   withdrawOpt.exchange,
		})
	},
}

func init() {
	rootCmd.AddCommand(reserveCmd)
	reserveCmd.AddCommand(confirmReserveCmd)
	rootCmd.AddCommand(withdrawCmd)

	reserveCmd.Flags().StringVar(&reserveOpt.amount, "amount", "", "amount, e.g. KUDOS:10")
	reserveCmd.Flags().StringVar(&reserveOpt.exchange, "exchange", "", "exchange base url")
	withdrawCmd.Flags().StringVar(&withdrawOpt.exchange, "exchange", "", "exchange to use instead of the bank's suggestion")
}
