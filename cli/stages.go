package cli

import (
	"fmt"
	"strconv"
	"strings"

	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/casework"
	"berkut-cases/core/stagecontent"

	"github.com/spf13/cobra"
)

func init() {
	addStage := &cobra.Command{
		Use:   "add-stage <case>",
		Short: "Add a stage seeded with its type's blocks",
		Args:  cobra.ExactArgs(1),
		RunE:  runAddStage,
	}
	addStage.Flags().StringP("title", "t", "", "Stage title (required)")
	addStage.Flags().String("type", "custom", "Stage type: investigation, response, closure, decision, custom")
	addStage.Flags().Int("position", 0, "Position (default: after the last stage)")
	addStage.MarkFlagRequired("title")

	note := &cobra.Command{
		Use:   "note <case> <stage> [text]",
		Short: "Set the text of a note block",
		Long:  "Set the text of a note block. Text can be positional or piped via stdin.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runNote,
	}

	check := &cobra.Command{
		Use:   "check <case> <stage> <item>",
		Short: "Mark a checklist item done",
		Args:  cobra.ExactArgs(3),
		RunE:  runCheck,
	}
	check.Flags().Bool("undo", false, "Mark the item not done instead")

	decide := &cobra.Command{
		Use:   "decide <case> <stage> <decision>",
		Short: "Record a decision",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runDecide,
	}
	decide.Flags().String("outcome", "", "Outcome: approved, rejected, blocked, deferred, monitor")
	decide.Flags().String("rationale", "", "Why the decision was taken")
	decide.Flags().String("owner", "", "Who owns the decision")

	for _, cmd := range []*cobra.Command{note, check, decide} {
		cmd.Flags().String("block", "", "Block id prefix (default: first block of the matching type)")
		cmd.Flags().String("reason", "", "Change reason stored with the save")
	}

	complete := &cobra.Command{
		Use:   "complete <case> <stage>",
		Short: "Save and complete a stage",
		Args:  cobra.ExactArgs(2),
		RunE:  runComplete,
	}

	rmStage := &cobra.Command{
		Use:   "rm-stage <case> <stage>",
		Short: "Delete an open stage",
		Args:  cobra.ExactArgs(2),
		RunE:  runRemoveStage,
	}

	RootCmd.AddCommand(addStage, note, check, decide, complete, rmStage)
}

func runAddStage(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	stageType, _ := cmd.Flags().GetString("type")
	position, _ := cmd.Flags().GetInt("position")
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	st, err := sess.AddStage(cmd.Context(), view.ID(), cases.AddStageInput{Title: title, StageType: stageType, Position: position})
	if err != nil {
		return explain(err)
	}
	renderStage(cmd.OutOrStdout(), st)
	return nil
}

func runNote(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[2:], " ")
	if text == "" {
		raw, err := readStdin(cmd)
		if err != nil {
			return err
		}
		text = raw
	}
	return editAndSave(cmd, args[0], args[1], func(st *stagecontent.Stage, block string) error {
		return setNote(st, block, text)
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	idx, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid item index %q", args[2])
	}
	undo, _ := cmd.Flags().GetBool("undo")
	return editAndSave(cmd, args[0], args[1], func(st *stagecontent.Stage, block string) error {
		return setCheck(st, block, idx, !undo)
	})
}

func runDecide(cmd *cobra.Command, args []string) error {
	outcome, _ := cmd.Flags().GetString("outcome")
	rationale, _ := cmd.Flags().GetString("rationale")
	owner, _ := cmd.Flags().GetString("owner")
	item := blocks.DecisionItem{
		Decision:  strings.Join(args[2:], " "),
		Outcome:   outcome,
		Rationale: rationale,
		Owner:     owner,
	}
	return editAndSave(cmd, args[0], args[1], func(st *stagecontent.Stage, block string) error {
		return addDecision(st, block, item)
	})
}

func editAndSave(cmd *cobra.Command, caseArg, stageArg string, edit func(st *stagecontent.Stage, block string) error) error {
	block, _ := cmd.Flags().GetString("block")
	reason, _ := cmd.Flags().GetString("reason")
	c, sess, view, err := openCase(cmd, caseArg)
	if err != nil {
		return err
	}
	defer c.close()
	st, err := stageIn(view, stageArg)
	if err != nil {
		return err
	}
	if err := edit(st, block); err != nil {
		return explain(err)
	}
	res, err := sess.SaveStageContent(cmd.Context(), view.ID(), st.ID(), casework.SaveOptions{ChangeReason: reason})
	if err != nil {
		return explain(err)
	}
	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if res.Saved {
		fmt.Fprintf(cmd.OutOrStdout(), "saved stage %d at v%d\n", st.ID(), res.Version)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "stage %d unchanged\n", st.ID())
	}
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	st, err := stageIn(view, args[1])
	if err != nil {
		return err
	}
	next, err := sess.CompleteStage(cmd.Context(), view.ID(), st.ID())
	if err != nil {
		return explain(err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stage %d completed\n", st.ID())
	if next != nil {
		fmt.Fprintf(out, "next: [%d] %s\n", next.ID(), next.Record().Title)
	}
	return nil
}

func runRemoveStage(cmd *cobra.Command, args []string) error {
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()
	st, err := stageIn(view, args[1])
	if err != nil {
		return err
	}
	if err := sess.DeleteStage(cmd.Context(), view.ID(), st.ID()); err != nil {
		return explain(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stage %d deleted\n", st.ID())
	return nil
}
