package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cachetune-service/internal/logging"
	"cachetune-service/internal/models"
	"cachetune-service/internal/transport"
)

var (
	flagAddr    string
	flagType    string
	flagNode    string
	flagKey     string
	flagFrom    uint64
	flagTo      uint64
	flagJSON    bool
	flagTimeout time.Duration
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List actions persisted by the coordinator",
	Long: `Query the action log of a coordinator node. Filters combine; an empty
filter returns every persisted action ordered by issued cycle.`,
	RunE: runActions,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate the configuration and print the resolved values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Persistence.Redis.Password != "" {
			cfg.Persistence.Redis.Password = "***"
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	actionsCmd.Flags().StringVar(&flagAddr, "addr", "localhost:9650", "Coordinator address")
	actionsCmd.Flags().StringVar(&flagType, "type", "", "Action type, e.g. MODIFY_CACHE_MAX_SIZE")
	actionsCmd.Flags().StringVar(&flagNode, "node", "", "Target node ID")
	actionsCmd.Flags().StringVar(&flagKey, "key", "", "Target key in canonical form")
	actionsCmd.Flags().Uint64Var(&flagFrom, "from", 0, "First issued cycle")
	actionsCmd.Flags().Uint64Var(&flagTo, "to", 0, "Last issued cycle (0 = no bound)")
	actionsCmd.Flags().BoolVar(&flagJSON, "json", false, "Print raw JSON")
	actionsCmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.AddCommand(actionsCmd, configCmd)
}

func runActions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	tr := transport.NewHTTPTransport(flagTimeout, logging.Discard())
	actions, err := tr.QueryActions(ctx, flagAddr, models.ActionFilter{
		Type:      models.ActionType(flagType),
		NodeID:    flagNode,
		Key:       flagKey,
		FromCycle: flagFrom,
		ToCycle:   flagTo,
	})
	if err != nil {
		return fmt.Errorf("query %s: %w", flagAddr, err)
	}

	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(actions)
	}
	if len(actions) == 0 {
		fmt.Fprintln(os.Stderr, "no actions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CYCLE\tTYPE\tNODE\tKEY\tCURRENT\tNEW\tISSUED")
	for _, a := range actions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.0f\t%.0f\t%s\n",
			a.IssuedCycle, a.Type, a.TargetNodeID, a.TargetKey, a.CurrentValue, a.NewValue,
			a.IssuedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
