// Command cellchain runs a source-chain node and inspects its database.
package main

import (
	"context"
	"os"

	"github.com/roach88/cellchain/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
