package main

import (
	"fmt"
	"strings"

	"github.com/bradleyjkemp/preduce/internal/store"
)

// formatSummary renders the final run-level diagnostic lines printed to
// stderr on exit: a line identifying the outcome, followed by the size
// delta. It is pure and deterministic so it can be golden-file tested
// independently of a live reduction run.
func formatSummary(initialSize int64, head *store.TestCase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "preduce: fixpoint reached\n")
	fmt.Fprintf(&b, "  initial size: %d bytes\n", initialSize)
	fmt.Fprintf(&b, "  final size:   %d bytes\n", head.Size)
	reduction := 0.0
	if initialSize > 0 {
		reduction = 100 * (1 - float64(head.Size)/float64(initialSize))
	}
	fmt.Fprintf(&b, "  reduction:    %.1f%%\n", reduction)
	fmt.Fprintf(&b, "  head hash:    %s\n", head.Hash.String())
	return b.String()
}

// formatFatal renders the single diagnostic line printed for fatal errors.
func formatFatal(err error) string {
	return fmt.Sprintf("preduce: fatal: %v\n", err)
}
