package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ktstudio/ktstudio/internal/app/batch"
)

var batchRoutes = map[batch.Flow]string{
	batch.FlowBaseImages: "base-images",
	batch.FlowComplete:   "complete",
	batch.FlowScenes:     "scenes",
}

var batchCmd = &cobra.Command{
	Use:   "batch base|complete|scenes PROJECT",
	Short: "Run a batch flow over a project in the daemon",
	Long: `Run a batch flow over every entity of a project:

  base      prompts and base portraits for every character
  complete  prompts, base portraits and the eight reference views
  scenes    prompts, backgrounds and composites for every scene

The flow runs inside the daemon. Follow it with 'ktstudio tasks list'
or the system log; 'ktstudio tasks stop' aborts it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flow, err := batch.ParseFlow(args[0])
		if err != nil {
			return err
		}
		project, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || project <= 0 {
			return fmt.Errorf("invalid project id %q", args[1])
		}
		if err := newClient(daemonAddr()).startBatch(project, batchRoutes[flow]); err != nil {
			return err
		}
		fmt.Printf("Started %s batch for project %d\n", flow, project)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
}
