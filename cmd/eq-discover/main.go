// ABOUTME: Lists network outputs the daemon can stream to
// ABOUTME: Runs SSDP renderer and mDNS receiver discovery side by side
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/internal/logging"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/dlna"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/receiver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	timeout = flag.Duration("timeout", 3*time.Second, "How long to listen for answers")
	asJSON  = flag.Bool("json", false, "Print JSON instead of a table")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

type result struct {
	Renderers []dlna.Renderer     `json:"renderers"`
	Receivers []receiver.Receiver `json:"receivers"`
}

func main() {
	flag.Parse()

	level := "warn"
	if *debug {
		level = "debug"
	}
	if _, err := logging.Setup(level, ""); err != nil {
		logrus.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	var res result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := dlna.Discover(gctx, *timeout)
		if err != nil {
			return fmt.Errorf("ssdp: %w", err)
		}
		res.Renderers = r
		return nil
	})
	g.Go(func() error {
		r, err := receiver.Discover(gctx, *timeout)
		if err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		res.Receivers = r
		return nil
	})
	if err := g.Wait(); err != nil {
		logrus.Fatalf("Discovery failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			logrus.Fatalf("%v", err)
		}
		return
	}
	printTable(res)
}

func printTable(res result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "OUTPUT\tNAME\tADDRESS\tMODEL\tDETAILS")
	for _, r := range res.Renderers {
		push := "pull only"
		if _, ok := r.Service(dlna.AVTransportService); ok {
			push = "push"
		}
		model := strings.TrimSpace(r.Manufacturer + " " + r.Model)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", dlna.Name, r.Name, r.Location, model, push)
	}
	for _, r := range res.Receivers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", receiver.Name, r.Name, r.Addr(), r.Model, r.Service)
	}
	if len(res.Renderers)+len(res.Receivers) == 0 {
		fmt.Fprintln(w, "-\tnothing found\t\t\t")
	}
}
