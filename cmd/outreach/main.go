package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/config"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/jobs"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/rehearsal"
	"github.com/stellarlinkco/outreach/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:          "outreach",
	Short:        "outreach - proactive member outreach planner",
	SilenceUsage: true,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, history counts and job state",
	RunE:  withApp(runStatus),
}

var goalsCmd = &cobra.Command{Use: "goals", Short: "Manage the goal catalog"}

var goalsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import goals and outcome rules from YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runGoalsImport),
}

var goalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals",
	RunE:  withApp(runGoalsList),
}

var goalsDisableCmd = &cobra.Command{
	Use:   "disable <goal-id>",
	Short: "Disable a goal",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runGoalsDisable),
}

var rulesCmd = &cobra.Command{Use: "rules", Short: "Inspect outcome rules"}

var rulesListCmd = &cobra.Command{
	Use:   "list <goal-id>",
	Short: "List a goal's outcome rules in evaluation order",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRulesList),
}

var membersCmd = &cobra.Command{Use: "members", Short: "Manage the local member directory"}

var membersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert members from YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runMembersImport),
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members with eligibility",
	RunE:  withApp(runMembersList),
}

var planCmd = &cobra.Command{
	Use:   "plan <member-id>",
	Short: "Show the next planned action without sending",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runPlan),
}

var sendCmd = &cobra.Command{
	Use:   "send <member-id>",
	Short: "Plan and send the next action",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runSend),
}

var respondCmd = &cobra.Command{
	Use:   "respond <member-id> <goal-id> <text...>",
	Short: "Record a member's reply and apply the matching outcome",
	Args:  cobra.MinimumNArgs(3),
	RunE:  withApp(runRespond),
}

var actionsCmd = &cobra.Command{Use: "actions", Short: "Operator action items"}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open action items",
	RunE:  withApp(runActionsList),
}

var actionsResolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Resolve an action item",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runActionsResolve),
}

var rehearseCmd = &cobra.Command{Use: "rehearse", Short: "Rehearse outreach against a synthetic persona"}

var rehearseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a rehearsal session",
	RunE:  withApp(runRehearseStart),
}

var rehearseRespondCmd = &cobra.Command{
	Use:   "respond <session-id> <text...>",
	Short: "Simulate the persona's reply",
	Args:  cobra.MinimumNArgs(2),
	RunE:  withApp(runRehearseRespond),
}

var rehearseNoResponseCmd = &cobra.Command{
	Use:   "no-response <session-id>",
	Short: "Simulate the persona never replying",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRehearseNoResponse),
}

var rehearseCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Complete a rehearsal session",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRehearseClose(rehearsal.StatusCompleted)),
}

var rehearseAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon a rehearsal session",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRehearseClose(rehearsal.StatusAbandoned)),
}

var rehearseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your rehearsal sessions",
	RunE:  withApp(runRehearseList),
}

var rehearseShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a rehearsal session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRehearseShow),
}

var jobsCmd = &cobra.Command{Use: "jobs", Short: "Scheduled jobs"}

var jobsRunCmd = &cobra.Command{
	Use:       "run <" + strings.Join(jobs.Names(), "|") + ">",
	Short:     "Run a job now",
	Args:      cobra.ExactArgs(1),
	ValidArgs: jobs.Names(),
	RunE:      withApp(runJobsRun),
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each job's last run",
	RunE:  withApp(runJobsStatus),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler until interrupted",
	RunE:  withApp(runServe),
}

var (
	goalsAllFlag      bool
	goalsCategoryFlag string
	sendGoalFlag      int64
	operatorFlag      string
	notesFlag         string
	sessionStatusFlag string

	personaName       string
	personaMapped     bool
	personaEngagement int
	personaCompany    string
	personaInsights   []string
	personaLinked     bool
)

func init() {
	goalsListCmd.Flags().BoolVar(&goalsAllFlag, "all", false, "Include disabled goals")
	goalsListCmd.Flags().StringVar(&goalsCategoryFlag, "category", "", "Only goals in this category")
	goalsCmd.AddCommand(goalsImportCmd, goalsListCmd, goalsDisableCmd)
	rulesCmd.AddCommand(rulesListCmd)
	membersCmd.AddCommand(membersImportCmd, membersListCmd)
	actionsCmd.AddCommand(actionsListCmd, actionsResolveCmd)

	sendCmd.Flags().Int64Var(&sendGoalFlag, "goal", 0, "Send this goal instead of the planned one")

	rehearseStartCmd.Flags().StringVar(&personaName, "name", "", "Persona display name")
	rehearseStartCmd.Flags().BoolVar(&personaMapped, "mapped", false, "Persona is mapped to a company")
	rehearseStartCmd.Flags().IntVar(&personaEngagement, "engagement", 0, "Persona engagement score")
	rehearseStartCmd.Flags().StringVar(&personaCompany, "company-type", "", "Persona company type")
	rehearseStartCmd.Flags().StringSliceVar(&personaInsights, "insight", nil, "Persona insight as type=value (repeatable)")
	rehearseStartCmd.Flags().BoolVar(&personaLinked, "linked", false, "Persona has linked an account")
	for _, c := range []*cobra.Command{rehearseCompleteCmd, rehearseAbandonCmd} {
		c.Flags().StringVar(&notesFlag, "notes", "", "Session notes")
	}
	rehearseListCmd.Flags().StringVar(&sessionStatusFlag, "status", "", "Only sessions in this status")
	rehearseCmd.AddCommand(rehearseStartCmd, rehearseRespondCmd, rehearseNoResponseCmd,
		rehearseCompleteCmd, rehearseAbandonCmd, rehearseListCmd, rehearseShowCmd)

	jobsCmd.AddCommand(jobsRunCmd, jobsStatusCmd)

	rootCmd.PersistentFlags().StringVar(&operatorFlag, "operator", defaultOperator(), "Operator id for overrides and rehearsals")
	rootCmd.AddCommand(onboardCmd, statusCmd, goalsCmd, rulesCmd, membersCmd, planCmd, sendCmd,
		respondCmd, actionsCmd, rehearseCmd, jobsCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultOperator() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "cli"
}

type appRunE func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error

// withApp loads config, wires the app and closes it after fn returns.
func withApp(fn appRunE) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return fn(ctx, cmd, a, args)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Import a goal catalog: outreach goals import catalog.yaml")
	fmt.Fprintln(out, "  2. Import members: outreach members import members.yaml")
	fmt.Fprintln(out, "  3. Try 'outreach plan <member-id>' or 'outreach rehearse start'")
	return nil
}

func runStatus(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Database: %s\n", a.cfg.DBPath())
	fmt.Fprintf(out, "Planner: %s\n", a.cfg.Planner.Mode)
	if a.cfg.Classifier.APIKey != "" && a.cfg.Classifier.BaseURL != "" {
		fmt.Fprintf(out, "Classifier: %s (%s)\n", a.cfg.Classifier.Model, a.cfg.Classifier.BaseURL)
	} else {
		fmt.Fprintln(out, "Classifier: keyword heuristic")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", a.cfg.Notify.Telegram.Enabled)

	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "History:")
	for _, st := range []history.Status{history.StatusOpen, history.StatusAwaitingResponse,
		history.StatusDeferred, history.StatusCompleted, history.StatusDismissed} {
		fmt.Fprintf(out, "  %-18s %d\n", st, counts[st])
	}

	items, err := a.store.ListOpen(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Open action items: %d\n", len(items))
	return printJobStates(out, a)
}

func runGoalsImport(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	res, err := a.catalog.Import(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "goals created=%d updated=%d, rules created=%d\n",
		res.GoalsCreated, res.GoalsUpdated, res.RulesCreated)
	return nil
}

func runGoalsList(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	var (
		goals []catalog.Goal
		err   error
	)
	if goalsAllFlag {
		goals, err = a.catalog.ListAll(ctx)
	} else {
		goals, err = a.catalog.ListEnabled(ctx, catalog.Category(goalsCategoryFlag))
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, g := range goals {
		if goalsCategoryFlag != "" && string(g.Category) != goalsCategoryFlag {
			continue
		}
		state := "enabled"
		if !g.IsEnabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "%4d  %-28s %-20s priority=%-3d %s\n", g.ID, g.Name, g.Category, g.BasePriority, state)
	}
	return nil
}

func runGoalsDisable(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	g, err := a.catalog.Goal(ctx, id)
	if err != nil {
		return err
	}
	g.IsEnabled = false
	if _, err := a.catalog.UpdateGoal(ctx, g); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Disabled goal %d (%s)\n", g.ID, g.Name)
	return nil
}

func runRulesList(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	rules, err := a.catalog.ListRules(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rules)
}

func runMembersImport(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	entries, err := readMembers(args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		m := e.member()
		if m.ID == "" {
			return fmt.Errorf("member without id")
		}
		if err := a.store.UpsertMember(ctx, m); err != nil {
			return err
		}
		for typ, value := range e.Insights {
			if _, err := a.insights.Record(ctx, insights.Insight{
				MemberID: m.ID, Type: typ, Value: value, Confidence: 1, Source: insights.SourceManual,
			}); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d member(s)\n", len(entries))
	return nil
}

func runMembersList(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	members, err := a.store.ListMembers(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()
	for _, m := range members {
		pc, _, err := a.outreach.BuildContext(ctx, m.ID)
		if err != nil {
			return err
		}
		last := "never"
		if m.LastContactedAt != nil {
			last = humanize.RelTime(*m.LastContactedAt, now, "ago", "from now")
		}
		fmt.Fprintf(out, "%-16s %-24s contacted %-16s %s\n", m.ID, m.DisplayName, last, pc.Eligibility.Reason)
	}
	return nil
}

func runPlan(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	action, err := a.outreach.Plan(ctx, args[0])
	if err != nil {
		return err
	}
	if action == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing to plan for %s\n", args[0])
		return nil
	}
	return printJSON(cmd.OutOrStdout(), action)
}

func runSend(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	memberID := args[0]
	if sendGoalFlag > 0 {
		d, err := a.outreach.SendOverride(ctx, memberID, sendGoalFlag, operatorFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	}
	d, err := a.outreach.Send(ctx, memberID)
	if err != nil {
		return err
	}
	if d == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing to send to %s\n", memberID)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), d)
}

func runRespond(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	goalID, err := parseID(args[1])
	if err != nil {
		return err
	}
	res, err := a.outreach.HandleResponse(ctx, args[0], goalID, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runActionsList(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	items, err := a.store.ListOpen(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()
	for _, it := range items {
		fmt.Fprintf(out, "%s  %s (%s)\n", it.ID, it, humanize.RelTime(it.CreatedAt, now, "ago", "from now"))
	}
	return nil
}

func runActionsResolve(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	if err := a.store.Resolve(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", args[0])
	return nil
}

func runRehearseStart(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	persona := rehearsal.Persona{
		Name:            personaName,
		IsMapped:        personaMapped,
		EngagementScore: personaEngagement,
		CompanyType:     personaCompany,
		Capabilities:    member.Capabilities{AccountLinked: personaLinked},
	}
	for _, kv := range personaInsights {
		typ, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(typ) == "" {
			return fmt.Errorf("invalid --insight %q, want type=value", kv)
		}
		persona.Insights = append(persona.Insights, insights.Insight{
			Type: strings.TrimSpace(typ), Value: strings.TrimSpace(value), Confidence: 1, Source: insights.SourceManual,
		})
	}

	sess, action, err := a.simulator.StartSession(ctx, operatorFlag, persona)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s started for %s\n", sess.ID, sess.Persona.Name)
	if action == nil {
		fmt.Fprintln(out, "No goal qualifies for this persona.")
		return nil
	}
	fmt.Fprintf(out, "Planned: %s (score %d)\n%s\n", action.Goal.Name, action.Score, action.Message)
	return nil
}

func runRehearseRespond(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	res, err := a.simulator.SimulateResponse(ctx, operatorFlag, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ex := res.Exchange
	fmt.Fprintf(out, "Classified: sentiment=%s intent=%s\n", ex.Sentiment, ex.Intent)
	printSimulated(out, res)
	return nil
}

func runRehearseNoResponse(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	res, err := a.simulator.SimulateNoResponse(ctx, operatorFlag, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "No reply within the response window")
	printSimulated(out, res)
	return nil
}

func printSimulated(out io.Writer, res rehearsal.SimulatedResponse) {
	ex := res.Exchange
	if ex.OutcomeType != "" {
		fmt.Fprintf(out, "Outcome: %s\n", ex.OutcomeType)
	} else {
		fmt.Fprintln(out, "Outcome: no rule matched")
	}
	if ex.Reply != "" {
		fmt.Fprintf(out, "Reply: %s\n", ex.Reply)
	}
	if next := res.Session.PlannedAction; next != nil {
		fmt.Fprintf(out, "Next: %s\n%s\n", next.GoalName, next.Message)
	} else {
		fmt.Fprintln(out, "Next: nothing planned")
	}
}

func runRehearseClose(to rehearsal.Status) appRunE {
	return func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		var (
			sess rehearsal.Session
			err  error
		)
		if to == rehearsal.StatusCompleted {
			sess, err = a.simulator.CompleteSession(ctx, operatorFlag, args[0], notesFlag)
		} else {
			sess, err = a.simulator.AbandonSession(ctx, operatorFlag, args[0], notesFlag)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s: %s\n", sess.ID, sess.Status, sess.Notes)
		return nil
	}
}

func runRehearseList(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	sessions, err := a.simulator.ListSessions(ctx, operatorFlag, rehearsal.Status(sessionStatusFlag))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  %-10s %-20s %d exchange(s), started %s\n", s.ID, s.Status, s.Persona.Name,
			len(s.Exchanges), humanize.RelTime(s.CreatedAt, now, "ago", "from now"))
	}
	return nil
}

func runRehearseShow(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	sess, err := a.simulator.GetSession(ctx, operatorFlag, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), sess)
}

func runJobsRun(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	sum, err := a.scheduler.RunNow(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), sum)
}

func runJobsStatus(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
	return printJobStates(cmd.OutOrStdout(), a)
}

func printJobStates(out io.Writer, a *app) error {
	now := time.Now()
	fmt.Fprintln(out, "Jobs:")
	for _, st := range a.scheduler.States() {
		last := "never run"
		if st.LastRunAtMs > 0 {
			last = fmt.Sprintf("%s %s", st.LastStatus, humanize.RelTime(time.UnixMilli(st.LastRunAtMs), now, "ago", "from now"))
		}
		fmt.Fprintf(out, "  %-10s %-18s %s\n", st.Name, st.Schedule, last)
		if st.LastError != "" {
			fmt.Fprintf(out, "             error: %s\n", st.LastError)
		}
	}
	return nil
}

func runServe(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry.StdoutMetrics, 0)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "outreach scheduler running (Ctrl-C to stop)")
	<-ctx.Done()
	a.scheduler.Stop()
	return nil
}
