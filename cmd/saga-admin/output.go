package main

import (
	"fmt"
	"sort"

	saga "github.com/grafikui/steptx"
)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// position renders the cursor as "index/length".
func position(d *saga.TransactionData) string {
	if d == nil || d.State == nil {
		return "?"
	}
	return fmt.Sprintf("%d/%d", d.State.CurrentStepIndex(), d.State.Len())
}

func sortedKeys(p saga.Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
