package cli

import (
	"fmt"
	"strings"

	"berkut-cases/core/cases"
	"berkut-cases/core/store"

	"github.com/spf13/cobra"
)

func init() {
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	create.Flags().StringP("title", "t", "", "Case title (required)")
	create.Flags().String("description", "", "Description")
	create.Flags().String("severity", "medium", "Severity: low, medium, high, critical")
	create.Flags().Int64("assignee", 0, "Assignee user id")
	create.Flags().Int64Slice("participant", nil, "Participant user ids")
	create.MarkFlagRequired("title")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cases visible to the acting user",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	list.Flags().String("status", "", "Filter by status")
	list.Flags().StringP("query", "q", "", "Search title, description and registration number")
	list.Flags().Bool("mine", false, "Only cases owned by or assigned to me")
	list.Flags().Int("limit", 50, "Maximum number of cases")

	show := &cobra.Command{
		Use:   "show <case>",
		Short: "Show a case with all stages",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}

	status := &cobra.Command{
		Use:   "status <case> <status>",
		Short: "Change the case status label",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus,
	}

	closeCmd := &cobra.Command{
		Use:   "close <case>",
		Short: "Close a case once its closure stage is done",
		Args:  cobra.ExactArgs(1),
		RunE:  runClose,
	}

	timeline := &cobra.Command{
		Use:   "timeline <case>",
		Short: "Show the case timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runTimeline,
	}
	timeline.Flags().String("type", "", "Only events of this type")

	RootCmd.AddCommand(create, list, show, status, closeCmd, timeline)
}

func runCreate(cmd *cobra.Command, _ []string) error {
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	severity, _ := cmd.Flags().GetString("severity")
	assignee, _ := cmd.Flags().GetInt64("assignee")
	participants, _ := cmd.Flags().GetInt64Slice("participant")

	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.close()
	in := cases.CreateCaseInput{
		Title:        title,
		Description:  description,
		Severity:     severity,
		Participants: participants,
	}
	if assignee > 0 {
		in.AssigneeUserID = &assignee
	}
	created, err := c.remote.CreateCase(cmd.Context(), in)
	if err != nil {
		return err
	}
	return printCase(cmd.OutOrStdout(), created)
}

func runList(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetString("status")
	query, _ := cmd.Flags().GetString("query")
	mine, _ := cmd.Flags().GetBool("mine")
	limit, _ := cmd.Flags().GetInt("limit")

	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.close()
	filter := store.CaseFilter{Status: status, Search: query, Limit: limit}
	if mine {
		filter.MineUserID = c.cfg.Client.UserID
	}
	items, err := c.remote.ListCases(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printCases(cmd.OutOrStdout(), items)
}

func runShow(cmd *cobra.Command, args []string) error {
	c, _, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	return printView(cmd.OutOrStdout(), view)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	updated, err := sess.ChangeStatus(cmd.Context(), view.ID(), args[1])
	if err != nil {
		return explain(err)
	}
	return printCase(cmd.OutOrStdout(), updated)
}

func runClose(cmd *cobra.Command, args []string) error {
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	closed, err := sess.CloseCase(cmd.Context(), view.ID())
	if err != nil {
		return explain(err)
	}
	if err := printCase(cmd.OutOrStdout(), closed); err != nil {
		return err
	}
	if !wantJSON() && closed.Meta.ClosureOutcome != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", closed.Meta.ClosureOutcome)
	}
	return nil
}

func runTimeline(cmd *cobra.Command, args []string) error {
	caseID, err := parseID(args[0])
	if err != nil {
		return err
	}
	eventType, _ := cmd.Flags().GetString("type")
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.close()
	items, err := c.remote.Timeline(cmd.Context(), caseID, strings.TrimSpace(eventType))
	if err != nil {
		return err
	}
	return printTimeline(cmd.OutOrStdout(), items)
}
