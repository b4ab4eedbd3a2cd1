// Package main запускает сервис тюнинга кэшей узлов кластера.
// Сервис реализует:
// - HTTP API для приема метрик от агентов на узлах
// - цикл COLLECTING → AGGREGATING → EVALUATING → DECIDING → PUBLISHING
// - RCA с гистерезисом и Decider с cool-off и потолком от кучи
// - идемпотентное сохранение действий (memory, Redis, BadgerDB)
// - экспорт метрик в Prometheus
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cachetune",
	Short: "Cache tuning decision service",
	Long: `cachetune collects cache and heap metrics from cluster nodes, detects
shard request caches that thrash at their maximum size and publishes
MODIFY_CACHE_MAX_SIZE actions from the coordinator node.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (env overrides: CACHETUNE_*)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level override: debug, info, warn, error")
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("cachetune %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
