package harness

import (
	"fmt"

	"cachetune-service/internal/models"
)

// Validator проверяет действия, сохраненные на хосте ожидания
type Validator func(c *Cluster, actions []models.TuningAction) error

var validators = map[string]Validator{
	"shard_request_cache_decider": ShardRequestCacheDecider,
}

// ShardRequestCacheDecider ищет увеличение кэша запросов шардов на DATA_0
func ShardRequestCacheDecider(c *Cluster, actions []models.TuningAction) error {
	target := c.Node(Data0)
	for _, a := range actions {
		if a.Type != models.ActionModifyCacheMaxSize || a.TargetNodeID != target.ID {
			continue
		}
		if !a.TargetKey.Equal(models.NewKey(models.ShardRequestCache)) {
			return fmt.Errorf("action %s targets %s", a.ID, a.TargetKey)
		}
		if a.NewValue <= a.CurrentValue {
			return fmt.Errorf("action %s does not grow the cache: %.0f -> %.0f", a.ID, a.CurrentValue, a.NewValue)
		}
		return nil
	}
	return fmt.Errorf("%d action(s), none for %s: %w", len(actions), target.ID, ErrExpectationNotMet)
}
