package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

var (
	addTitle       string
	addDescription string
	addDomain      string
	addStatus      string
	listStatus     string
	listDomain     string
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Manage board issues",
}

var issuesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an issue",
	RunE:  runIssuesAdd,
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	RunE:  runIssuesList,
}

var issuesDeleteCmd = &cobra.Command{
	Use:   "delete ISSUE",
	Short: "Delete an issue, killing its running task first",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssuesDelete,
}

var issuesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Create issues from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssuesImport,
}

func init() {
	issuesAddCmd.Flags().StringVar(&addTitle, "title", "", "issue title")
	issuesAddCmd.Flags().StringVar(&addDescription, "description", "", "issue description")
	issuesAddCmd.Flags().StringVar(&addDomain, "domain", "", "domain tag; one task per domain runs at a time")
	issuesAddCmd.Flags().StringVar(&addStatus, "status", "", "initial status (default TODO)")
	issuesAddCmd.MarkFlagRequired("title")

	issuesListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	issuesListCmd.Flags().StringVar(&listDomain, "domain", "", "filter by domain")

	issuesCmd.AddCommand(issuesAddCmd)
	issuesCmd.AddCommand(issuesListCmd)
	issuesCmd.AddCommand(issuesDeleteCmd)
	issuesCmd.AddCommand(issuesImportCmd)
	rootCmd.AddCommand(issuesCmd)
}

// issueFile is the YAML accepted by "issues import":
//
//	issues:
//	  - title: Fix login redirect
//	    domain: auth
//	    description: ...
type issueFile struct {
	Issues []issueEntry `yaml:"issues"`
}

type issueEntry struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Domain      string `yaml:"domain"`
	Status      string `yaml:"status"`
}

// parseIssueFile validates every entry before anything is written
func parseIssueFile(data []byte) ([]*domain.Issue, error) {
	var f issueFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing issues: %w", err)
	}

	issues := make([]*domain.Issue, 0, len(f.Issues))
	for i, e := range f.Issues {
		if strings.TrimSpace(e.Title) == "" {
			return nil, fmt.Errorf("issue %d: title is required", i+1)
		}
		issue := &domain.Issue{Title: e.Title, Description: e.Description, Domain: e.Domain}
		if e.Status != "" {
			st, err := domain.ParseIssueStatus(e.Status)
			if err != nil {
				return nil, fmt.Errorf("issue %d: %w", i+1, err)
			}
			issue.Status = st
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func runIssuesAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	issue := &domain.Issue{Title: addTitle, Description: addDescription, Domain: addDomain}
	if addStatus != "" {
		if issue.Status, err = domain.ParseIssueStatus(addStatus); err != nil {
			return err
		}
	}
	if err := store.CreateIssue(cmd.Context(), issue); err != nil {
		return err
	}
	fmt.Println(issue.ID)
	return nil
}

func runIssuesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := taskstore.ListOptions{Domain: listDomain}
	if listStatus != "" {
		if opts.Status, err = domain.ParseIssueStatus(listStatus); err != nil {
			return err
		}
	}
	issues, err := store.ListIssues(cmd.Context(), opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDOMAIN\tUPDATED\tTITLE")
	for _, i := range issues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			i.ID, colorStatus(string(i.Status)), orDash(i.Domain), humanize.Time(i.UpdatedAt), truncate(i.Title, 50))
	}
	w.Flush()
	return nil
}

func runIssuesDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A live server owns any running task, so let it kill and delete
	client := api.NewClient(serverURL(cfg))
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err == nil {
		if err := client.DeleteIssue(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted issue %s\n", args[0])
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.DeleteIssue(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted issue %s\n", args[0])
	return nil
}

func runIssuesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	issues, err := parseIssueFile(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, issue := range issues {
		if err := store.CreateIssue(cmd.Context(), issue); err != nil {
			return fmt.Errorf("creating %q: %w", issue.Title, err)
		}
		fmt.Printf("  + %s  %s\n", issue.ID, issue.Title)
	}
	fmt.Printf("Imported %d issues from %s\n", len(issues), args[0])
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
