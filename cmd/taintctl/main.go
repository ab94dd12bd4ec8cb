// Command taintctl is the operator CLI for a taintguard server. It speaks
// the server's JSON-RPC surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli"
)

const defaultRPCURL = "http://localhost:8080/rpc"

// Version is set by ldflags.
var Version = "dev"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[taintctl] %v\n", err)
	os.Exit(1)
}

// getContext returns a context cancelled on SIGINT or SIGTERM.
func getContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func getClient(ctxc context.Context, ctx *cli.Context) (*rpc.Client, error) {
	var opts []rpc.ClientOption
	if token := ctx.GlobalString("token"); token != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Bearer "+token))
	}
	client, err := rpc.DialOptions(ctxc, ctx.GlobalString("rpcserver"), opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", ctx.GlobalString("rpcserver"), err)
	}
	return client, nil
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Println("unable to encode response:", err)
		return
	}
	fmt.Println(string(b))
}

func main() {
	app := cli.NewApp()
	app.Name = "taintguard"
	app.Version = Version
	app.Usage = "inspect taint and review fraud reports on a taintguard server"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "rpcserver",
			Value:  defaultRPCURL,
			Usage:  "The JSON-RPC endpoint of the server.",
			EnvVar: "TAINTGUARD_RPC_URL",
		},
		cli.StringFlag{
			Name:   "token",
			Usage:  "Admin session token, required for review commands.",
			EnvVar: "TAINTGUARD_ADMIN_TOKEN",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print raw JSON instead of tables.",
		},
	}
	app.Commands = []cli.Command{
		checkTaintCommand,
		checkAddressCommand,
		reportCommand,
		reportStatusCommand,
		statisticsCommand,
		poolBalanceCommand,
		poolHistoryCommand,
		pendingReportsCommand,
		approveCommand,
		rejectCommand,
		withdrawCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
