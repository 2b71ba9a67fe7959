/*
Copyright © 2024 pando
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wallet-cli",
	Short: "api cmd for ecash-wallet service",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("endpoint", "l", "http://localhost:8080", "api endpoint")
	viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
}

func getClient() *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(viper.GetString("endpoint"), "/") + "/api").
		SetHeader("Content-Type", "application/json")
}

type apiError struct {
	Err string `json:"error"`
}

func (e *apiError) Error() string {
	return e.Err
}

// call sends body to the wallet api and prints the json response.
func call(cmd *cobra.Command, method, path string, body any) error {
	var apiErr apiError
	req := getClient().R().
		SetContext(cmd.Context()).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}

	if resp.IsError() {
		if apiErr.Err == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status())
		}

		return &apiErr
	}

	if len(resp.Body()) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return err
	}

	return printJson(cmd, v)
}

func printJson(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	cmd.Println(string(b))
	return nil
}
