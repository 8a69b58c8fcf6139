package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencode-ai/followup/internal/events"
	"github.com/opencode-ai/followup/internal/graph"
)

type planKey struct {
	flowID  string
	version int
}

// planCache holds compiled plans; versions are immutable so entries never go stale.
type planCache struct {
	mu    sync.RWMutex
	plans map[planKey]*graph.Plan
}

func newPlanCache() *planCache {
	return &planCache{plans: make(map[planKey]*graph.Plan)}
}

func (c *planCache) get(key planKey) (*graph.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[key]
	return p, ok
}

func (c *planCache) put(key planKey, p *graph.Plan) {
	c.mu.Lock()
	c.plans[key] = p
	c.mu.Unlock()
}

// Plan returns the compiled plan of a flow version.
func (e *Engine) Plan(ctx context.Context, flowID string, version int) (*graph.Plan, error) {
	key := planKey{flowID: flowID, version: version}
	if p, ok := e.plans.get(key); ok {
		return p, nil
	}

	fv, err := e.flows.GetVersion(ctx, flowID, version)
	if err != nil {
		return nil, fmt.Errorf("load flow %s v%d: %w", flowID, version, err)
	}

	p, err := graph.Compile(&fv.Definition, version)
	if err != nil {
		e.logger.Error().Err(err).Str("flow_id", flowID).Int("version", version).Msg("stored flow version does not compile")
		if e.events != nil {
			if logErr := events.LogCompileFailure(ctx, e.events, flowID, err); logErr != nil {
				e.logger.Warn().Err(logErr).Msg("failed to record compile failure")
			}
		}
		return nil, err
	}

	e.plans.put(key, p)
	return p, nil
}
