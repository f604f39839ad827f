// Command proxy is the single CLI entrypoint (spec.md §6: "CLI: proxy
// <inform-server-host>"), dispatched through github.com/mitchellh/cli the
// way command/backup and command/restore wrap even a lone subcommand as
// a cli.Command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/anarcast/anarcast/catalogue"
	"github.com/anarcast/anarcast/informclient"
	"github.com/anarcast/anarcast/membership"
	"github.com/anarcast/anarcast/metrics"
	"github.com/anarcast/anarcast/proxyserver"
)

// defaultGraphFile is where the memory-mapped graph catalogue (spec.md
// §4.1) is read from; overridable via ANARCAST_GRAPH_FILE for
// deployments that keep it elsewhere.
const defaultGraphFile = "anarcast.graphs"

// defaultMetricsAddr is where the prometheus /metrics handle listens,
// alongside the client-facing TCP port.
const defaultMetricsAddr = ":9210"

func main() {
	c := cli.NewCLI("proxy", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"": func() (cli.Command, error) { return &proxyCommand{}, nil },
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode)
}

type proxyCommand struct{}

func (c *proxyCommand) Help() string {
	return "Usage: proxy <inform-server-host>\n\n" +
		"Discovers storage servers from the inform server at the given host,\n" +
		"then serves insert and request connections on the client-facing port."
}

func (c *proxyCommand) Synopsis() string {
	return "Run the anarcast proxy against an inform server"
}

// Run implements the cli.Command interface. Exit codes follow spec.md
// §6: 0 clean shutdown, 1 discovery failure, 2 argument error. A proxy
// listener that stops with an error also returns 1, and a graph
// catalogue that fails to load panics.
func (c *proxyCommand) Run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, c.Help())
		return 2
	}
	informHost := args[0]

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "proxy",
		Level: hclog.LevelFromString("INFO"),
	})

	graphFile := defaultGraphFile
	if v := os.Getenv("ANARCAST_GRAPH_FILE"); v != "" {
		graphFile = v
	}

	cat, err := catalogue.Load(graphFile)
	if err != nil {
		// Resource-class failure (spec.md §7): fatal, terminate the process.
		panic(err)
	}
	defer cat.Close()

	tree := membership.New()
	if err := informclient.Run(informHost, tree, log.Named("inform")); err != nil {
		log.Error("discovery failed", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	go func() {
		metricsAddr := defaultMetricsAddr
		if v := os.Getenv("ANARCAST_METRICS_ADDR"); v != "" {
			metricsAddr = v
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Debug("metrics server stopped", "err", err)
		}
	}()

	srv := &proxyserver.Server{
		Catalogue: cat,
		Tree:      tree,
		Log:       log,
	}

	addr := ":" + strconv.Itoa(proxyserver.Port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Error("proxy server stopped with an error", "err", err)
		return 1
	}
	return 0
}
