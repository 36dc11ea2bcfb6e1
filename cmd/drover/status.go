package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/claims"
	"github.com/drover-dev/drover/internal/state"
)

var flagWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active claims and recent session outcomes",
	Long: `Status reads the project's claim store and outcome history.

With --watch it stays running and reprints whenever the .drover state
directory changes.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "Reprint on state changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	droverDir := filepath.Join(cwd, ".drover")

	if err := printStatus(cwd, droverDir); err != nil {
		return err
	}
	if !flagWatch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(droverDir); err != nil {
		return fmt.Errorf("watch %s: %w", droverDir, err)
	}

	// Coalesce bursts of writes into one refresh.
	var pending <-chan time.Time
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-pending:
			pending = nil
			fmt.Print("\033[H\033[2J")
			if err := printStatus(cwd, droverDir); err != nil {
				return err
			}
		}
	}
}

// claimIssues returns the store's issue numbers in ascending order so
// the table prints stably.
func claimIssues(records map[int]*claims.Claim) []int {
	issues := make([]int, 0, len(records))
	for n := range records {
		issues = append(issues, n)
	}
	sort.Ints(issues)
	return issues
}

func printStatus(cwd, droverDir string) error {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	faint := color.New(color.Faint)

	store := claims.NewStore(filepath.Join(droverDir, "claims.json"))
	records, err := store.Load()
	if err != nil {
		return err
	}

	bold.Println("Claims")
	if len(records) == 0 {
		faint.Println("  none")
	}
	now := time.Now()
	for _, issue := range claimIssues(records) {
		c := records[issue]
		remaining := c.ExpiresAt.Sub(now).Round(time.Second)
		line := fmt.Sprintf("  #%-5d %-40.40s %-8s session=%.8s", issue, c.Title, c.Status, c.SessionID)
		switch {
		case c.IsStale(now):
			faint.Printf("%s stale\n", line)
		case c.Status == claims.StatusFailed:
			red.Printf("%s failures=%d expires in %s\n", line, c.FailureCount, remaining)
		default:
			green.Printf("%s expires in %s\n", line, remaining)
		}
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	summary, err := db.Summarize()
	if err != nil {
		return err
	}
	bold.Println("\nOutcomes")
	fmt.Printf("  total=%d completed=%d failed=%d unproductive=%d blocked=%d\n",
		summary.Total, summary.Completed, summary.Failed, summary.Unproductive, summary.Blocked)

	recent, err := db.RecentOutcomes(10)
	if err != nil {
		return err
	}
	for _, o := range recent {
		line := fmt.Sprintf("  #%-5d %-12s %-8s tools=%-3d files=%-3d %s",
			o.IssueNumber, o.Status, o.Provider, o.ToolCalls, o.FilesChanged,
			o.FinishedAt.Local().Format("15:04:05"))
		switch o.Status {
		case state.OutcomeCompleted:
			green.Println(line)
		case state.OutcomeBlocked, state.OutcomeUnproductive:
			yellow.Println(line)
		default:
			red.Println(line)
		}
	}
	return nil
}
