package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/webproof/pkg/store"
)

// runReceiptsCmd implements `webproof receipts`.
func runReceiptsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipts", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		manifestID string
		receiptID  string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.StringVar(&manifestID, "manifest-id", "", "Only receipts for this manifest id")
	cmd.StringVar(&receiptID, "id", "", "Show a single receipt")
	cmd.IntVar(&limit, "limit", 20, "Maximum receipts to list")
	cmd.BoolVar(&jsonOutput, "json", false, "Output receipts as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	rs, err := rt.receipts(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if rs == nil {
		_, _ = fmt.Fprintln(stderr, "Error: no receipt store configured (store.driver)")
		return 2
	}

	var receipts []*store.Receipt
	switch {
	case receiptID != "":
		r, err := rs.Get(ctx, receiptID)
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintf(stderr, "Error: receipt %s not found\n", receiptID)
			return 1
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		receipts = []*store.Receipt{r}
	case manifestID != "":
		receipts, err = rs.ListByManifest(ctx, manifestID, limit)
	default:
		receipts, err = rs.List(ctx, limit)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		if receipts == nil {
			receipts = []*store.Receipt{}
		}
		data, _ := json.MarshalIndent(receipts, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RECEIPT\tMANIFEST\tMODE\tSTATUS\tTIME")
	for _, r := range receipts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ReceiptID, r.ManifestID, r.Mode, r.Status, r.Timestamp.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}
