package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tollgate/internal/agent"
	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/config"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/policy"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/spf13/cobra"
)

var (
	checkAt            string
	checkJustification string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check decisions against the stored state",
	Long:  `Check what Tollgate would do for a navigation or an emergency request, using the persisted state.`,
}

var checkURLCmd = &cobra.Command{
	Use:   "url [flags] URL",
	Short: "Check what a navigation would do",
	Long:  `Evaluate a URL against the focus allowlist, the market rates and the active sessions.`,
	Example: `  tollgate -c config.yaml check url https://www.youtube.com/watch
  tollgate check url --at 2026-03-02T09:30:00Z docs.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckURL,
}

var checkEmergencyCmd = &cobra.Command{
	Use:   "emergency [flags] DOMAIN",
	Short: "Check the emergency policy decision",
	Long:  `Ask the emergency policy whether an emergency session for DOMAIN would be granted now.`,
	Example: `  tollgate check emergency --justification "need the recipe for dinner tonight" video.example`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckEmergency,
}

func init() {
	checkURLCmd.Flags().StringVar(&checkAt, "at", "", "Evaluate at this RFC 3339 time instead of now")

	checkEmergencyCmd.Flags().StringVar(&checkAt, "at", "", "Evaluate at this RFC 3339 time instead of now")
	checkEmergencyCmd.Flags().StringVar(&checkJustification, "justification", "", "Justification text sent with the request")

	// Add subcommands
	checkCmd.AddCommand(checkURLCmd)
	checkCmd.AddCommand(checkEmergencyCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckURL(cmd *cobra.Command, args []string) error {
	at, err := parseCheckTime(checkAt)
	if err != nil {
		return err
	}

	cfg, state, err := loadState(cmd.Context())
	if err != nil {
		return err
	}

	focusEngine := focus.NewEngine(focus.Config{
		FreshnessThreshold: config.Duration(cfg.Focus.FreshnessThreshold, focus.DefaultFreshnessThreshold),
	}, quietLogger())

	printURLResult(agent.Inspect(state, focusEngine, args[0], at), at)
	return nil
}

func runCheckEmergency(cmd *cobra.Command, args []string) error {
	at, err := parseCheckTime(checkAt)
	if err != nil {
		return err
	}

	cfg, state, err := loadState(cmd.Context())
	if err != nil {
		return err
	}

	policyEngine, err := policy.NewEngine(cfg.Policy.EmergencyPolicyDir, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}
	policyEngine.SetClock(clock.NewTestClock(at))

	domain := strings.ToLower(strings.TrimSpace(args[0]))
	decision := policyEngine.EvaluateEmergency(context.Background(), state, domain, checkJustification)

	printEmergencyResult(domain, state, at, decision)
	return nil
}

// loadState returns the migrated state from the configured store.
func loadState(ctx context.Context) (*config.Config, *storage.State, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStore(cfg, quietLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	state, err := store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load state: %w", err)
	}
	return cfg, state, nil
}

func parseCheckTime(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at time %q: %w", s, err)
	}
	return t, nil
}

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// printURLResult prints the navigation check result with colors
func printURLResult(in agent.Inspection, at time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println(rule)
	cyan.Println("NAVIGATION CHECK")
	cyan.Println(rule)
	fmt.Println()

	fmt.Printf("URL:        %s\n", in.URL)
	fmt.Printf("Host:       %s\n", in.Host)
	fmt.Printf("Check Time: %s\n", at.Format("2006-01-02 15:04:05 MST"))
	fmt.Println()

	cyan.Print("Decision:   ")
	switch in.Verdict {
	case agent.VerdictAllowed:
		green.Println("ALLOW")
		fmt.Println("            → Page loads normally")
	case agent.VerdictSession:
		green.Println("ALLOW (SESSION)")
		fmt.Printf("            → Covered by a %s session on %s\n", in.Session.Mode, in.Session.Domain)
		fmt.Printf("            → Remaining: %s\n", describeRemaining(in.Session.RemainingSeconds))
		if in.Session.Paused {
			yellow.Println("            → Session is paused")
		}
	case agent.VerdictPaywalled:
		yellow.Println("PAYWALL")
		fmt.Printf("            → %s needs a purchase before it loads\n", in.Paywalled)
	case agent.VerdictFocusBlocked:
		red.Println("FOCUS BLOCK")
		fmt.Printf("            → Reason: %s\n", in.Focus.Reason)
		if in.Focus.Mode != "" {
			fmt.Printf("            → Focus mode: %s\n", in.Focus.Mode)
		}
	}

	if in.Rate != nil {
		fmt.Printf("Rate:       %.2f per minute\n", in.Rate.RatePerMin)
		for _, pack := range in.Rate.Packs {
			fmt.Printf("Pack:       %d minutes for %d\n", pack.Minutes, pack.Price)
		}
	}

	fmt.Println()
	cyan.Println(rule)
	fmt.Println()
}

// printEmergencyResult prints the emergency check result with colors
func printEmergencyResult(domain string, state *storage.State, at time.Time, decision policy.EmergencyDecision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println(rule)
	cyan.Println("EMERGENCY POLICY CHECK")
	cyan.Println(rule)
	fmt.Println()

	settings := state.Settings
	fmt.Printf("Domain:     %s\n", domain)
	fmt.Printf("Check Time: %s\n", at.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Tokens:     %d of %d used today\n", state.EmergencyTokensUsed(storage.DayKey(at)), settings.EmergencyTokensPerDay)
	fmt.Println()

	cyan.Print("Decision:   ")
	if decision.Allowed {
		green.Println("GRANT")
		fmt.Printf("            → Emergency session for %d minutes\n", decision.DurationMinutes)
	} else {
		red.Println("DENY")
	}
	fmt.Printf("Reason:     %s\n", decision.Reason)
	if decision.RetryAfterSeconds > 0 {
		yellow.Printf("Retry in:   %s\n", time.Duration(decision.RetryAfterSeconds)*time.Second)
	}

	fmt.Println()
	cyan.Println(rule)
	fmt.Println()
}

func describeRemaining(s storage.Seconds) string {
	if s.IsInf() {
		return "unlimited"
	}
	return time.Duration(float64(s) * float64(time.Second)).Round(time.Second).String()
}
