package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/logger"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dlab/internal/app"
	"dlab/internal/checkpoint"
	"dlab/internal/config"
	"dlab/internal/db"
	"dlab/internal/domain"
	"dlab/internal/engine"
	"dlab/internal/migrate"
	"dlab/internal/redisstore"
	"dlab/internal/repo"
	"dlab/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dlab",
	Short: "dlab experiment runner",
	Long: `dlab runs multi-stage group experiments for human and agent participants.
Core concepts:
- Workspace: the .dlab directory holding the SQLite database; experiment configs live in the DB.
- Experiment: an ordered list of stages (survey, chat, ranking) defined in YAML.
- Cohort: a group of participants moving through the stages together; each stage has one shared public document per cohort.
- Chat stages: discussions run in order; the cohort moves on once every active participant has marked the current one ready. A timed stage ends itself when its limit passes.
- Leader lottery: ranking stages draw one leader per round, weighted by performance, from those who applied.
- Event log: every change is recorded; view with 'dlab log tail' or stream it to webhooks from 'dlab serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		loadWorkspaceEnv(workspace)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	logger.Close()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	logger.Init("dlab", viper.GetBool("verbose"), false, io.Discard)
}

// loadWorkspaceEnv reads <workspace>/.env, where 'dlab experiment use'
// records the default experiment. Flags and process env still win.
func loadWorkspaceEnv(workspace string) {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		logger.Warningf("read %s: %v", path, err)
		return
	}
	if def := v.GetString("dlab_experiment"); def != "" {
		viper.SetDefault("experiment", def)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("experiment", "", "experiment id (overrides workspace default)")
	flags.String("config", "", "experiment config YAML used when the experiment is first created")
	flags.String("store", "sqlite", "public stage data store (sqlite, redis)")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address for --store redis")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.BoolP("verbose", "v", false, "log to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "experiment", "config", "store", "redis-addr", "redis-password", "redis-db", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(cohortCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(answerCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(lotteryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{Use: "experiment", Short: "Manage experiments"}
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentCreateCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentUseCmd())
	exp.AddCommand(experimentConfigCmd())
	return exp
}

func experimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExperiments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Description", "Created")
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Description, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func experimentCreateCmd() *cobra.Command {
	var id, desc, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default(id)
			if file != "" {
				loaded, err := config.FromFile(file)
				if err != nil {
					return err
				}
				if id != "" && loaded.Experiment.ID != id {
					return fmt.Errorf("config %s is for experiment %s, not %s", file, loaded.Experiment.ID, id)
				}
				cfg = loaded
			} else if id == "" {
				return fmt.Errorf("--id or --file required")
			}
			if desc != "" {
				cfg.Experiment.Description = desc
			}
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.CreateExperiment(ctx, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "experiment id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "experiment config YAML")
	return cmd
}

func experimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active experiment and its stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.Repo.GetExperiment(ctx, e.Config.Experiment.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"experiment": exp, "stages": e.Config.Stages})
				}
				fmt.Printf("%s  %s\n", exp.ID, exp.Description)
				tw := newTable("Stage", "Kind", "Time limit", "Discussions", "Lottery")
				for _, st := range e.Config.Stages {
					limit := ""
					if st.TimeLimit() > 0 {
						limit = st.TimeLimit().String()
					}
					tw.AppendRow(table.Row{st.ID, st.Kind, limit, strings.Join(st.DiscussionIDs(), ","), st.Lottery != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func experimentUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default experiment for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			experimentID := strings.TrimSpace(args[0])
			if experimentID == "" {
				return fmt.Errorf("experiment id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "DLAB_EXPERIMENT", experimentID); err != nil {
				return err
			}
			fmt.Printf("Set DLAB_EXPERIMENT=%s in %s/.env\n", experimentID, workspace)
			return nil
		},
	}
}

func experimentConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage experiment config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				text, err := e.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(text)
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "template <experiment-id>",
		Short: "Print the default config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(args[0]))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.FromFile(args[0])
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if next.Experiment.ID != e.Config.Experiment.ID {
					return fmt.Errorf("config %s is for experiment %s, not %s", file, next.Experiment.ID, e.Config.Experiment.ID)
				}
				if err := e.UpdateExperimentConfig(ctx, next.Experiment.ID, next, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Imported config for %s (%d stages)\n", next.Experiment.ID, len(next.Stages))
				return nil
			})
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "", "config YAML")
	_ = imp.MarkFlagRequired("file")
	cfg.AddCommand(imp)
	return cfg
}

func cohortCmd() *cobra.Command {
	c := &cobra.Command{Use: "cohort", Short: "Manage cohorts"}
	var id string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cohort, err := e.CreateCohort(ctx, e.Config.Experiment.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cohort)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "cohort id (generated when empty)")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cohorts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCohorts(ctx, e.Config.Experiment.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Created")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{Use: "participant", Short: "Manage participants"}

	var cohort, id string
	var agent bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Add participant to a cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddParticipant(ctx, engine.ParticipantCreateOptions{
					ExperimentID: e.Config.Experiment.ID,
					CohortID:     cohort,
					PublicID:     id,
					IsAgent:      agent,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	add.Flags().StringVar(&cohort, "cohort", "", "cohort id")
	add.Flags().StringVar(&id, "id", "", "public id (generated when empty)")
	add.Flags().BoolVar(&agent, "agent", false, "participant is an agent")
	_ = add.MarkFlagRequired("cohort")
	p.AddCommand(add)

	var listCohort string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cohort participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListParticipants(ctx, e.Config.Experiment.ID, listCohort)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Public ID", "Status", "Active", "Stage", "Connected", "Agent")
				for _, p := range items {
					tw.AppendRow(table.Row{p.PublicID, p.Status, p.IsActive(), p.CurrentStageID, p.Connected, p.IsAgent})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listCohort, "cohort", "", "cohort id")
	_ = list.MarkFlagRequired("cohort")
	p.AddCommand(list)

	p.AddCommand(&cobra.Command{
		Use:   "show <public-id>",
		Short: "Show a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetParticipant(ctx, e.Config.Experiment.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})

	var stageID string
	var connected string
	update := &cobra.Command{
		Use:   "update <public-id> [status]",
		Short: "Change status, connection or current stage",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ParticipantUpdateOptions{PublicID: args[0], ActorID: viper.GetString("actor-id")}
			if len(args) == 2 {
				status := domain.ParticipantStatus(strings.ToUpper(args[1]))
				opts.Status = &status
			}
			if cmd.Flags().Changed("stage") {
				opts.CurrentStageID = &stageID
			}
			if connected != "" {
				v := connected == "true"
				opts.Connected = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ExperimentID = e.Config.Experiment.ID
				res, err := e.UpdateParticipant(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	update.Flags().StringVar(&stageID, "stage", "", "current stage id")
	update.Flags().StringVar(&connected, "connected", "", "connection state (true, false)")
	p.AddCommand(update)
	return p
}

func answerCmd() *cobra.Command {
	a := &cobra.Command{Use: "answer", Short: "Record and read stage answers"}

	var payload string
	record := &cobra.Command{
		Use:   "record <public-id> <stage-id>",
		Short: "Record a stage answer from a JSON object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := json.Unmarshal([]byte(payload), &body); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordStageAnswer(ctx, engine.AnswerOptions{
					ExperimentID: e.Config.Experiment.ID,
					PublicID:     args[0],
					StageID:      args[1],
					Payload:      body,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	record.Flags().StringVar(&payload, "payload", "{}", "answer payload as a JSON object")
	a.AddCommand(record)

	a.AddCommand(&cobra.Command{
		Use:   "ready <public-id> <stage-id> <discussion-id>",
		Short: "Mark a participant ready to leave a discussion",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// keep earlier readiness for other discussions
				prev := map[string]any{}
				if cur, err := e.GetStageAnswer(ctx, e.Config.Experiment.ID, args[0], args[1]); err == nil {
					if m, ok := cur.Payload["discussion_timestamp_map"].(map[string]any); ok {
						prev = m
					}
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				prev[args[2]] = time.Now().UTC().Format(time.RFC3339Nano)
				res, err := e.RecordStageAnswer(ctx, engine.AnswerOptions{
					ExperimentID: e.Config.Experiment.ID,
					PublicID:     args[0],
					StageID:      args[1],
					Payload:      map[string]any{"discussion_timestamp_map": prev},
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") || res.Stage == nil {
					return printJSONOrTable(res)
				}
				fmt.Printf("%s ready on %s; current discussion: %s\n", args[0], args[2], orNone(res.Stage.CurrentDiscussionID))
				return nil
			})
		},
	})

	a.AddCommand(&cobra.Command{
		Use:   "show <public-id> <stage-id>",
		Short: "Show a stage answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetStageAnswer(ctx, e.Config.Experiment.ID, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return a
}

type stageFlags struct {
	cohort string
	stage  string
}

func (f *stageFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.cohort, "cohort", "", "cohort id")
	cmd.Flags().StringVar(&f.stage, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("cohort")
	_ = cmd.MarkFlagRequired("stage")
}

func (f *stageFlags) key(e engine.Engine) domain.StageKey {
	return domain.StageKey{ExperimentID: e.Config.Experiment.ID, CohortID: f.cohort, StageID: f.stage}
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Inspect shared stage state"}

	var f stageFlags
	show := &cobra.Command{
		Use:   "show",
		Short: "Show one stage document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.PublicStageData(ctx, f.key(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	f.bind(show)
	s.AddCommand(show)

	var cohort, kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stage documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Stages.ListPublicStageData(ctx, e.Config.Experiment.ID, domain.StageKind(kind))
				if err != nil {
					return err
				}
				if cohort != "" {
					kept := docs[:0]
					for _, d := range docs {
						if d.CohortID == cohort {
							kept = append(kept, d)
						}
					}
					docs = kept
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := newTable("Cohort", "Stage", "Kind", "State", "Discussion", "Winner", "Version")
				for _, d := range docs {
					tw.AppendRow(table.Row{d.CohortID, d.StageID, d.Kind, checkpoint.StateOf(d), orNone(d.CurrentDiscussionID), d.WinnerID, d.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&cohort, "cohort", "", "cohort filter")
	list.Flags().StringVar(&kind, "kind", "", "kind filter (chat, ranking, survey)")
	s.AddCommand(list)
	return s
}

func chatCmd() *cobra.Command {
	c := &cobra.Command{Use: "chat", Short: "Chat stages: messages and the stage clock"}

	var sf stageFlags
	var sender, msgType, text string
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a chat message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.SendChatMessage(ctx, engine.ChatMessageOptions{
					Key:      sf.key(e),
					SenderID: sender,
					Type:     domain.MessageType(msgType),
					Message:  text,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	sf.bind(send)
	send.Flags().StringVar(&sender, "sender", "", "sender id")
	send.Flags().StringVar(&msgType, "type", "participant", "message type (participant, mediator, experimenter)")
	send.Flags().StringVarP(&text, "message", "m", "", "message text")
	_ = send.MarkFlagRequired("sender")
	_ = send.MarkFlagRequired("message")
	c.AddCommand(send)

	var lf stageFlags
	var discussion string
	list := &cobra.Command{
		Use:   "messages",
		Short: "List chat messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ChatMessages(ctx, lf.key(e), discussion)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := newTable("Time", "Discussion", "Type", "Sender", "Message")
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.Timestamp, orNone(m.DiscussionID), m.Type, m.SenderID, m.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	lf.bind(list)
	list.Flags().StringVar(&discussion, "discussion", "", "discussion filter")
	c.AddCommand(list)

	var start, end, tick stageFlags
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the stage clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, started, err := e.StartDiscussion(ctx, start.key(e), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"started": started, "stage": doc})
			})
		},
	}
	start.bind(startCmd)
	c.AddCommand(startCmd)

	endCmd := &cobra.Command{
		Use:   "end",
		Short: "End the stage for messaging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, ended, err := e.EndDiscussion(ctx, end.key(e), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ended": ended, "stage": doc})
			})
		},
	}
	end.bind(endCmd)
	c.AddCommand(endCmd)

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the stage clock until the stage ends or becomes idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := tick.key(e)
				for {
					running, err := e.UpdateTimeElapsed(ctx, key)
					if err != nil {
						return err
					}
					if !running {
						break
					}
				}
				doc, err := e.PublicStageData(ctx, key)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", key, checkpoint.StateOf(doc))
				return nil
			})
		},
	}
	tick.bind(tickCmd)
	c.AddCommand(tickCmd)
	return c
}

func lotteryCmd() *cobra.Command {
	l := &cobra.Command{Use: "lottery", Short: "Leader lottery rounds"}

	var run stageFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Draw the round leader (no-op once drawn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, drawn, err := e.RunLeaderLottery(ctx, run.key(e), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printLottery(res, drawn)
			})
		},
	}
	run.bind(runCmd)
	l.AddCommand(runCmd)

	var show stageFlags
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show a drawn round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.LotteryResult(ctx, show.key(e))
				if err != nil {
					return err
				}
				return printLottery(res, false)
			})
		},
	}
	show.bind(showCmd)
	l.AddCommand(showCmd)

	var status stageFlags
	statusCmd := &cobra.Command{
		Use:   "status <public-id>",
		Short: "Show one participant's leader status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.LeaderStatus(ctx, status.key(e), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"public_id": args[0], "status": st, "selected": st.Selected()})
				}
				fmt.Printf("%s: %s\n", args[0], st)
				return nil
			})
		},
	}
	status.bind(statusCmd)
	l.AddCommand(statusCmd)
	return l
}

func printLottery(res domain.LotteryResult, drawn bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"drawn": drawn, "result": res})
	}
	fmt.Printf("winner: %s (roll %.6f, seed %d, drawn now: %v)\n", res.WinnerID, res.Debug.Roll, res.Debug.Seed, drawn)
	tw := newTable("Participant", "Status", "P(win)")
	for id, status := range res.ParticipantStatusMap {
		p := ""
		if v, ok := res.Debug.Probabilities[id]; ok {
			p = fmt.Sprintf("%.4f", v)
		}
		tw.AppendRow(table.Row{id, status, p})
	}
	tw.SortBy([]table.SortBy{{Name: "Participant", Mode: table.Asc}})
	tw.Render()
	return nil
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.LatestEvents(ctx, engine.EventQuery{
					ExperimentID: e.Config.Experiment.ID,
					Type:         evtType,
					EntityKind:   entityKind,
					EntityID:     entityID,
					Limit:        n,
				})
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)

	var rn int64
	stream := &cobra.Command{
		Use:   "stream",
		Short: "Show stage events recorded in the redis stream (--store redis)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("store") != "redis" {
				return fmt.Errorf("the event stream is only kept with --store redis")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rs, ok := e.Stages.(*redisstore.Store)
				if !ok {
					return fmt.Errorf("stage store is not redis")
				}
				evts, err := rs.Events(ctx, e.Config.Experiment.ID, rn)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	stream.Flags().Int64Var(&rn, "n", 20, "number of events")
	l.AddCommand(stream)
	return l
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
	for _, evt := range evts {
		var id any = evt.ID
		if evt.StreamID != "" {
			id = evt.StreamID
		}
		tw.AppendRow(table.Row{id, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
	}
	tw.Render()
	return nil
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			report, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			fmt.Printf("path: %s\ncurrent: %d\nlatest: %d\npending: %s\n", db.Path(viper.GetString("workspace")), report.Current, report.Latest, strings.Join(report.Pending, ", "))
			return nil
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with stage timers and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				timers := checkpoint.NewScheduler(ctx, e)
				defer timers.Wait()
				defer timers.Stop()
				e.Timers = timers
				n, err := e.ResumeTimers(ctx, []string{e.Config.Experiment.ID})
				if err != nil {
					return fmt.Errorf("resume timers: %w", err)
				}
				logger.Infof("resumed %d stage timers", n)
				if server.StartWebhookDispatcher(ctx, e) {
					logger.Infof("webhook dispatcher started for %d targets", len(e.Config.Webhooks))
				}

				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving dlab API for %s on http://%s%s (store %s; OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					e.Config.Experiment.ID, addr, basePath, viper.GetString("store"), basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// withEngine opens the workspace, resolves the active experiment and wires
// the selected stage store.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		_, cfg, err := app.ResolveExperimentAndConfig(ctx, e, viper.GetString("experiment"), viper.GetString("config"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		e.Config = cfg
		switch store := viper.GetString("store"); store {
		case "", "sqlite":
		case "redis":
			rdb, err := redisstore.Connect(ctx, viper.GetString("redis-addr"), viper.GetString("redis-password"), viper.GetInt("redis-db"))
			if err != nil {
				return err
			}
			defer rdb.Close()
			e.Stages = redisstore.New(rdb)
			logger.Infof("using redis stage store at %s", viper.GetString("redis-addr"))
		default:
			return fmt.Errorf("unknown --store %q (sqlite, redis)", store)
		}
		return fn(ctx, e)
	})
}

func withDB(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, nil))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orNone(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
