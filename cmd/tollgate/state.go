package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/spf13/cobra"
)

var stateJSON bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the persisted state",
	Long:  `Print a summary of the wallet, sessions, focus session and pending queues held in storage.`,
	Example: `  tollgate state
  tollgate state --json | jq .sessions`,
	Args: cobra.NoArgs,
	RunE: runState,
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print the full root document as JSON")
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	_, state, err := loadState(cmd.Context())
	if err != nil {
		return err
	}

	if stateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	printState(state)
	return nil
}

func printState(state *storage.State) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("\n[wallet]")
	fmt.Printf("  balance = %d\n", state.Wallet.Balance)

	_, _ = cyan.Println("\n[sessions]")
	if len(state.Sessions) == 0 {
		fmt.Println("  (none)")
	}
	for _, domain := range state.SessionDomains() {
		s := state.Sessions[domain]
		line := fmt.Sprintf("  %s  %s  remaining %s", domain, s.Mode, describeRemaining(s.RemainingSeconds))
		if s.Paused {
			_, _ = yellow.Println(line + "  (paused)")
			continue
		}
		_, _ = green.Println(line)
	}

	_, _ = cyan.Println("\n[focus]")
	if fs := state.FocusSession; fs != nil {
		fmt.Printf("  state = %s\n", fs.State)
		if fs.Mode != "" {
			fmt.Printf("  mode = %s\n", fs.Mode)
		}
		fmt.Printf("  allowlist = %d entries, %d overrides\n", len(fs.Allowlist), len(fs.Overrides))
		fmt.Printf("  updated = %s\n", time.UnixMilli(fs.LastUpdated).Format(time.RFC3339))
	} else {
		fmt.Println("  (none)")
	}

	_, _ = cyan.Println("\n[emergency]")
	fmt.Printf("  day = %s\n", state.EmergencyUsage.Day)
	fmt.Printf("  tokens_used = %d of %d\n", state.EmergencyUsage.TokensUsed, state.Settings.EmergencyTokensPerDay)
	fmt.Printf("  audits = %d\n", len(state.EmergencyUsage.Audits))

	_, _ = cyan.Println("\n[pending]")
	queues := []struct {
		name    string
		depth   int
		dropped int
	}{
		{"transactions", state.PendingTransactions.Len(), state.PendingTransactions.Dropped},
		{"consumption", state.PendingConsumption.Len(), state.PendingConsumption.Dropped},
		{"activity", state.PendingActivity.Len(), state.PendingActivity.Dropped},
		{"focus_blocks", state.PendingFocusBlocks.Len(), state.PendingFocusBlocks.Dropped},
		{"reviews", state.PendingReviews.Len(), state.PendingReviews.Dropped},
	}
	for _, q := range queues {
		fmt.Printf("  %s = %d", q.name, q.depth)
		if q.dropped > 0 {
			_, _ = red.Printf("  (%d dropped)", q.dropped)
		}
		fmt.Println()
	}
	fmt.Printf("  library = %d\n", len(state.PendingLibrarySync))
	if state.PendingCategorisation != nil {
		fmt.Println("  categorisation = 1")
	}
	if state.PendingOnboardingPatch != nil {
		fmt.Println("  onboarding = 1")
	}
	fmt.Println()
}
