package main

import "github.com/pandodao/ecash-wallet/cmd/wallet-cli/cmd"

func main() {
	cmd.Execute()
}
