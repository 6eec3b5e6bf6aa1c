package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/namsral/flag"

	"github.com/aminovpavel/lorapipe/internal/diff"
)

func main() {
	var (
		oldPath = flag.String("old", "", "Path to the baseline SQLite database")
		newPath = flag.String("new", "", "Path to the SQLite database to compare against it")
		sample  = flag.Int("samples", 5, "Number of sample differences per table and side")
	)
	flag.Parse()

	if *oldPath == "" || *newPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := diff.CompareSQLite(ctx, *oldPath, *newPath, diff.Options{
		SampleLimit: *sample,
	})
	if err != nil {
		log.Fatalf("lorapipe-diff: %v", err)
	}

	fmt.Println("=== uplinks (dev_eui, fcnt, data_hex) ===")
	printTableDiff(summary.Uplinks)
	fmt.Println()

	fmt.Println("=== devices ===")
	printTableDiff(summary.Devices)

	if !summary.Equal() {
		os.Exit(1)
	}
}

func printTableDiff(td diff.TableDiff) {
	fmt.Printf("Only in first: %d rows\n", td.OnlyA)
	printSamples(td.SampleOnlyA)
	fmt.Printf("Only in second: %d rows\n", td.OnlyB)
	printSamples(td.SampleOnlyB)
}

func printSamples(samples []string) {
	if len(samples) == 0 {
		return
	}
	fmt.Println("  Samples:")
	for _, s := range samples {
		fmt.Printf("    %s\n", s)
	}
}
