package agentloop

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/pkg/models"
)

// defaultAgentCacheSize bounds the agent read-through cache.
const defaultAgentCacheSize = 128

// AgentCache is a read-through cache over agent records, keyed by
// agent key. Agent records change rarely relative to how often workers
// consult them; callers that mutate an agent must Invalidate its key.
type AgentCache struct {
	db    *state.DB
	cache *lru.Cache[string, *models.Agent]
}

// NewAgentCache creates an AgentCache.
func NewAgentCache(db *state.DB, size int) (*AgentCache, error) {
	if size <= 0 {
		size = defaultAgentCacheSize
	}
	c, err := lru.New[string, *models.Agent](size)
	if err != nil {
		return nil, err
	}
	return &AgentCache{db: db, cache: c}, nil
}

// Get returns the agent for a key, loading it on a miss. Returns nil
// for unknown keys.
func (c *AgentCache) Get(key string) (*models.Agent, error) {
	if a, ok := c.cache.Get(key); ok {
		return a, nil
	}
	a, err := c.db.GetAgentByKey(key)
	if err != nil {
		return nil, err
	}
	if a != nil {
		c.cache.Add(key, a)
	}
	return a, nil
}

// Invalidate drops the cached record for a key.
func (c *AgentCache) Invalidate(key string) {
	c.cache.Remove(key)
}
