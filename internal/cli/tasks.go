package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ownerFlags are shared by every command that addresses an entity.
type ownerFlags struct {
	project   int64
	character int64
	scene     int64
	video     int64
}

func (f *ownerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.project, "project", 0, "Project ID")
	cmd.Flags().Int64Var(&f.character, "character", 0, "Character ID")
	cmd.Flags().Int64Var(&f.scene, "scene", 0, "Scene ID")
	cmd.Flags().Int64Var(&f.video, "video", 0, "Video ID")
}

func (f *ownerFlags) owner() domain.Owner {
	return domain.Owner{ProjectID: f.project, CharacterID: f.character, SceneID: f.scene, VideoID: f.video}
}

func (f *ownerFlags) query() map[string]string {
	q := map[string]string{}
	for key, v := range map[string]int64{
		"project_id": f.project, "character_id": f.character, "scene_id": f.scene, "video_id": f.video,
	} {
		if v != 0 {
			q[key] = strconv.FormatInt(v, 10)
		}
	}
	return q
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task"},
	Short:   "Inspect and control generation tasks",
}

func init() {
	listOwner.bind(tasksListCmd)
	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (queued, running, done, failed)")
	tasksListCmd.Flags().StringVar(&listKind, "kind", "", "Filter by kind")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum tasks to show")

	createOwner.bind(tasksCreateCmd)
	tasksCreateCmd.Flags().StringVar(&createPayload, "payload", "", "Payload JSON")
	tasksCreateCmd.Flags().BoolVarP(&createWatch, "watch", "w", false, "Watch the task until it finishes")

	tasksWatchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Poll interval")

	resetOwner.bind(tasksResetCmd)
	tasksResetCmd.Flags().BoolVar(&resetFinishedOnly, "finished-only", false, "Only delete finished tasks")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksWatchCmd, tasksCreateCmd,
		tasksCancelCmd, tasksStopCmd, tasksResetCmd)
	rootCmd.AddCommand(tasksCmd)
}

// ─── list / show ────────────────────────────────────────────────────────────

var (
	listOwner  ownerFlags
	listStatus string
	listKind   string
	listLimit  int
)

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := listOwner.query()
		if listStatus != "" {
			q["status"] = listStatus
		}
		if listKind != "" {
			q["kind"] = strings.ToUpper(listKind)
		}
		q["limit"] = strconv.Itoa(listLimit)

		list, err := newClient(daemonAddr()).listTasks(q)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		return printTaskTable(list)
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		t, err := newClient(daemonAddr()).getTask(id)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(t)
		}
		printTask(t)
		return nil
	},
}

// ─── watch ──────────────────────────────────────────────────────────────────

var watchInterval time.Duration

var tasksWatchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Follow a task's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return watchTask(newClient(daemonAddr()), id, watchInterval)
	},
}

// errTaskFailed makes the process exit non-zero when a watched task fails.
var errTaskFailed = errors.New("task failed")

func watchTask(c *client, id int64, interval time.Duration) error {
	pb := newProgressBar(os.Stderr)
	for {
		st, err := c.status(id)
		if err != nil {
			fmt.Fprintln(os.Stderr)
			return err
		}
		switch st.Status {
		case domain.TaskDone:
			pb.done(fmt.Sprintf("task %d %s finished", id, st.Kind))
			return nil
		case domain.TaskFailed:
			clearLine(os.Stderr)
			fmt.Fprintf(os.Stderr, "%s task %d %s: %s\n", errorColor.Sprint("[failed]"), id, st.Kind, st.Error)
			return errTaskFailed
		case domain.TaskQueued:
			pb.render(dimColor.Sprint("queued"), 0, 0)
		default:
			label := string(st.Kind)
			if n := len(st.ViewsStatus); n > 0 {
				label += fmt.Sprintf(" %d/%d views", n, len(domain.ViewNames))
			}
			if st.CompositeSteps > 0 {
				label += fmt.Sprintf(" %d steps", st.CompositeSteps)
			}
			pb.render(label, st.Progress, st.ETASeconds)
		}
		time.Sleep(interval)
	}
}

// ─── create ─────────────────────────────────────────────────────────────────

var (
	createOwner   ownerFlags
	createPayload string
	createWatch   bool
)

var tasksCreateCmd = &cobra.Command{
	Use:   "create KIND",
	Short: "Enqueue a task",
	Long: `Enqueue a task of the given kind for one entity.

Kinds: PROMPT_GEN, BASE_IMAGE, MULTI_VIEW (--character)
       SCENE_PROMPT, SCENE_BASE, SCENE_COMPOSITE (--scene)
       VIDEO_PROMPT, VIDEO_RENDER (--video)
       STORY_EXTRACT (--project)

Example:
  ktstudio tasks create BASE_IMAGE --character 3 --payload '{"seed":42}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseKind(strings.ToUpper(args[0]))
		if err != nil {
			return err
		}
		var payload json.RawMessage
		if createPayload != "" {
			if !json.Valid([]byte(createPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(createPayload)
		}

		c := newClient(daemonAddr())
		t, err := c.createTask(kind, createOwner.owner(), payload)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(t)
		}
		fmt.Printf("Queued task %d (%s for %s)\n", t.ID, t.Kind, ownerText(t.Owner))
		if createWatch {
			return watchTask(c, t.ID, time.Second)
		}
		return nil
	},
}

// ─── cancel / stop / reset ──────────────────────────────────────────────────

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ok, err := newClient(daemonAddr()).cancel(id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("Cancelled task %d\n", id)
		} else {
			fmt.Printf("Task %d already finished\n", id)
		}
		return nil
	},
}

var tasksStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop everything: interrupt the backend and fail every active task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := newClient(daemonAddr()).stop()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("Nothing was running.")
			return nil
		}
		fmt.Printf("%s %d task(s): %v\n", warnColor.Sprint("Stopped"), len(ids), ids)
		return nil
	},
}

var (
	resetOwner        ownerFlags
	resetFinishedOnly bool
)

var tasksResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete an entity's tasks, cancelling the running one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := resetOwner.query()
		if len(q) == 0 {
			return fmt.Errorf("one of --project, --character, --scene or --video is required")
		}
		q["mode"] = "reset"
		if resetFinishedOnly {
			q["mode"] = "clear"
		}
		n, err := newClient(daemonAddr()).deleteTasks(q)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d task(s)\n", n)
		return nil
	},
}
