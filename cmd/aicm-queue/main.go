// Command aicm-queue inspects and repairs a durable delivery queue file.
//
//	aicm-queue stats        --db ~/.cache/aicm/queue.db
//	aicm-queue list-failed  --db queue.db --limit 20
//	aicm-queue requeue      --db queue.db --ids 12,13
//	aicm-queue purge        --db queue.db
//
// Exit codes: 0 success, 1 usage error, 2 queue access failure, 3 no
// matching entries.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/aicostmanager/aicm-go/delivery"
)

const (
	exitUsage    = 1
	exitQueueErr = 2
	exitNoMatch  = 3
)

var (
	dbPath  string
	limitN  int
	idsFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "aicm-queue",
		Short:         "Inspect and repair a durable aicm delivery queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "path to the queue database")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts per status",
		RunE:  runStats,
	}

	listCmd := &cobra.Command{
		Use:   "list-failed",
		Short: "List FAILED entries, oldest first",
		RunE:  runListFailed,
	}
	listCmd.Flags().IntVar(&limitN, "limit", 50, "maximum entries to list")

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return FAILED entries to QUEUED with a fresh retry budget",
		RunE:  runRequeue,
	}
	requeueCmd.Flags().StringVar(&idsFlag, "ids", "", "comma-separated entry ids (default: all FAILED)")

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete FAILED entries permanently",
		RunE:  runPurge,
	}
	purgeCmd.Flags().StringVar(&idsFlag, "ids", "", "comma-separated entry ids (default: all FAILED)")

	root.AddCommand(statsCmd, listCmd, requeueCmd, purgeCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

func defaultDBPath() string {
	if p := os.Getenv("AICM_DB_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "aicm", "queue.db")
}

func open() (*delivery.Maintenance, error) {
	if dbPath == "" {
		return nil, exitErr(exitUsage, fmt.Errorf("--db is required (or set AICM_DB_PATH)"))
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, exitErr(exitQueueErr, fmt.Errorf("queue database %s: %w", dbPath, err))
	}
	m, err := delivery.OpenMaintenance(dbPath)
	if err != nil {
		return nil, exitErr(exitQueueErr, err)
	}
	return m, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	m, err := open()
	if err != nil {
		return err
	}
	defer m.Close()

	counts, err := m.Counts(context.Background())
	if err != nil {
		return exitErr(exitQueueErr, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Status", "Count"})
	table.Append([]string{"QUEUED", strconv.FormatInt(counts.Queued, 10)})
	table.Append([]string{"INFLIGHT", strconv.FormatInt(counts.Inflight, 10)})
	table.Append([]string{"FAILED", strconv.FormatInt(counts.Failed, 10)})
	table.Append([]string{"DONE", strconv.FormatInt(counts.Done, 10)})
	table.SetFooter([]string{"TOTAL", strconv.FormatInt(counts.Total(), 10)})
	table.Render()
	return nil
}

func runListFailed(cmd *cobra.Command, args []string) error {
	m, err := open()
	if err != nil {
		return err
	}
	defer m.Close()

	entries, err := m.ListFailed(context.Background(), limitN)
	if err != nil {
		return exitErr(exitQueueErr, err)
	}
	if len(entries) == 0 {
		return exitErr(exitNoMatch, fmt.Errorf("no failed entries in %s", dbPath))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created", "Attempts", "Last Error"})
	for _, e := range entries {
		table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			strconv.Itoa(e.AttemptCount),
			truncate(e.LastError, 60),
		})
	}
	table.Render()
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	m, err := open()
	if err != nil {
		return err
	}
	defer m.Close()

	ids, err := parseIDs(idsFlag)
	if err != nil {
		return exitErr(exitUsage, err)
	}
	n, err := m.RequeueFailed(context.Background(), ids)
	if err != nil {
		return exitErr(exitQueueErr, err)
	}
	if n == 0 {
		return exitErr(exitNoMatch, fmt.Errorf("no failed entries matched"))
	}
	fmt.Printf("requeued %d entries\n", n)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	m, err := open()
	if err != nil {
		return err
	}
	defer m.Close()

	ids, err := parseIDs(idsFlag)
	if err != nil {
		return exitErr(exitUsage, err)
	}
	n, err := m.PurgeFailed(context.Background(), ids)
	if err != nil {
		return exitErr(exitQueueErr, err)
	}
	if n == 0 {
		return exitErr(exitNoMatch, fmt.Errorf("no failed entries matched"))
	}
	fmt.Printf("purged %d entries\n", n)
	return nil
}

func parseIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
