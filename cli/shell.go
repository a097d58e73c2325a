package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"berkut-cases/core/autosave"
	"berkut-cases/core/blocks"
	"berkut-cases/core/casework"

	"github.com/spf13/cobra"
)

const shellHelp = `commands:
  show                          print the case
  note <stage> <text>           set the first note block
  check <stage> <item>          mark a checklist item done
  uncheck <stage> <item>        mark a checklist item not done
  decide <stage> <outcome> <text>
  save                          save every unsaved stage now
  reload <stage>                drop local edits and load the server copy
  keep <stage>                  keep local edits over a newer server copy
  complete <stage>              save and complete a stage
  status <label>                change the case status
  close                         close the case
  quit                          save and leave`

func init() {
	shell := &cobra.Command{
		Use:   "shell <case>",
		Short: "Edit a case interactively with autosave",
		Args:  cobra.ExactArgs(1),
		RunE:  runShell,
	}
	RootCmd.AddCommand(shell)
}

func runShell(cmd *cobra.Command, args []string) error {
	c, sess, view, err := openCase(cmd, args[0])
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sched := autosave.NewScheduler(c.cfg.Autosave, c.logger)
	sched.Register(sess)
	sched.StartWithContext(ctx)
	defer sched.StopWithContext(context.Background())

	sh := &shell{sess: sess, view: view, out: cmd.OutOrStdout()}
	printView(sh.out, view)
	fmt.Fprintln(sh.out, "type `help` for commands")
	return sh.run(ctx, cmd.InOrStdin())
}

type shell struct {
	sess *casework.Session
	view *casework.CaseView
	out  io.Writer
	// warned is set once quit was refused because of unsaved stages.
	warned bool
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := sh.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", explain(err))
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := sh.flush(ctx)
	return err
}

// exec runs one shell line. It reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	caseID := sh.view.ID()
	rest := func(n int) string {
		if len(fields) <= n {
			return ""
		}
		return strings.Join(fields[n:], " ")
	}
	need := func(n int) error {
		if len(fields) < n {
			return fmt.Errorf("%s: missing arguments, see help", fields[0])
		}
		return nil
	}
	switch fields[0] {
	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
	case "show":
		return false, printView(sh.out, sh.view)
	case "note":
		if err := need(3); err != nil {
			return false, err
		}
		st, err := stageIn(sh.view, fields[1])
		if err != nil {
			return false, err
		}
		return false, setNote(st, "", rest(2))
	case "check", "uncheck":
		if err := need(3); err != nil {
			return false, err
		}
		st, err := stageIn(sh.view, fields[1])
		if err != nil {
			return false, err
		}
		idx, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, fmt.Errorf("invalid item index %q", fields[2])
		}
		return false, setCheck(st, "", idx, fields[0] == "check")
	case "decide":
		if err := need(4); err != nil {
			return false, err
		}
		st, err := stageIn(sh.view, fields[1])
		if err != nil {
			return false, err
		}
		return false, addDecision(st, "", blocks.DecisionItem{Outcome: fields[2], Decision: rest(3)})
	case "save":
		_, err := sh.flush(ctx)
		return false, err
	case "reload", "keep":
		if err := need(2); err != nil {
			return false, err
		}
		st, err := stageIn(sh.view, fields[1])
		if err != nil {
			return false, err
		}
		if fields[0] == "reload" {
			return false, sh.sess.ReloadStage(ctx, caseID, st.ID())
		}
		return false, sh.sess.RebaseStage(ctx, caseID, st.ID())
	case "complete":
		if err := need(2); err != nil {
			return false, err
		}
		st, err := stageIn(sh.view, fields[1])
		if err != nil {
			return false, err
		}
		next, err := sh.sess.CompleteStage(ctx, caseID, st.ID())
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "stage %d completed\n", st.ID())
		if next != nil {
			fmt.Fprintf(sh.out, "next: [%d] %s\n", next.ID(), next.Record().Title)
		}
	case "status":
		if err := need(2); err != nil {
			return false, err
		}
		updated, err := sh.sess.ChangeStatus(ctx, caseID, fields[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "status: %s\n", updated.Status)
	case "close":
		closed, err := sh.sess.CloseCase(ctx, caseID)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "case %s closed", closed.RegNo)
		if closed.Meta.ClosureOutcome != "" {
			fmt.Fprintf(sh.out, " (%s)", closed.Meta.ClosureOutcome)
		}
		fmt.Fprintln(sh.out)
	case "quit", "exit":
		ok, err := sh.flush(ctx)
		if !ok && !sh.warned {
			sh.warned = true
			fmt.Fprintln(sh.out, "some stages were not saved; `reload` or `keep` them, or quit again to discard")
			return false, err
		}
		return true, err
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

// flush saves every dirty stage explicitly and prints what failed. It
// returns true when nothing is left unsaved.
func (sh *shell) flush(ctx context.Context) (bool, error) {
	report, err := sh.sess.SaveDirtyStages(ctx, sh.view.ID(), casework.SaveOptions{})
	if err != nil {
		return false, err
	}
	for _, res := range report.Results {
		if ferr := report.Failed(res.StageID); ferr != nil {
			fmt.Fprintf(sh.out, "stage %d: %v\n", res.StageID, explain(ferr))
			continue
		}
		if res.Saved {
			fmt.Fprintf(sh.out, "saved stage %d at v%d\n", res.StageID, res.Version)
		}
	}
	return report.AllSaved(), nil
}

func readStdin(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("text is required (positional arg or stdin)")
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("text is required (positional arg or stdin)")
	}
	return text, nil
}
