package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/papertrade/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade journal",
	Long: `Query and display records from the configured journal.

Subcommands:
  trades  - List an account's trades as Org-mode entries
  run     - Show a saved backtest run
  equity  - Export an account's equity curve as CSV

Examples:
  papertrade journal trades --account paper-001
  papertrade journal run 3f1c2a9e-...
  papertrade journal equity --account paper-001 > equity.csv`,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List an account's trades",
	Args:  cobra.NoArgs,
	RunE:  runJournalTrades,
}

var journalRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show a saved backtest run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalRun,
}

var journalEquityCmd = &cobra.Command{
	Use:   "equity",
	Short: "Write an account's equity curve as CSV",
	Args:  cobra.NoArgs,
	RunE:  runJournalEquity,
}

var (
	journalAccount string
	journalDay     string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradesCmd)
	journalCmd.AddCommand(journalRunCmd)
	journalCmd.AddCommand(journalEquityCmd)

	journalCmd.PersistentFlags().StringVarP(&journalAccount, "account", "a", "", "account id (defaults to account.id)")
	journalTradesCmd.Flags().StringVar(&journalDay, "day", "", "only trades closed on this UTC day (YYYY-MM-DD)")
}

func openJournal(cmd *cobra.Command) (journal.Gateway, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg.Journal.Driver == "memory" {
		return nil, "", fmt.Errorf("journal.driver is memory: nothing is stored between runs")
	}
	g, err := openGateway(cmd.Context(), cfg, nil)
	if err != nil {
		return nil, "", err
	}
	account := journalAccount
	if account == "" {
		account = cfg.Account.ID
	}
	return g, account, nil
}

func runJournalTrades(cmd *cobra.Command, args []string) error {
	g, account, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	trades, err := g.ListTrades(cmd.Context(), account)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	if journalDay != "" {
		start, end, err := dayBounds(journalDay)
		if err != nil {
			return fmt.Errorf("date: %w", err)
		}
		kept := trades[:0]
		for _, t := range trades {
			if !t.IsOpen() && !t.ExitTime.Before(start) && t.ExitTime.Before(end) {
				kept = append(kept, t)
			}
		}
		trades = kept
	}

	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradesOrg(trades))
	return nil
}

func runJournalRun(cmd *cobra.Command, args []string) error {
	g, _, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	run, err := g.FindRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}
	return run.WriteOrg(cmd.OutOrStdout())
}

func runJournalEquity(cmd *cobra.Command, args []string) error {
	g, account, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	points, err := g.ListEquity(cmd.Context(), account)
	if err != nil {
		return fmt.Errorf("query equity: %w", err)
	}
	return journal.WriteEquityCSV(cmd.OutOrStdout(), points)
}

func dayBounds(day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t, t.Add(24 * time.Hour), nil
}
