package commitfest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/macdice/cfbot/internal/model"
)

// Cache wraps a Redis connection, short-TTL-caching ListSubmissions
// responses so a minute tick's repeated poll of the same active
// commitfests (spec 4.1's priority-1/2 selection reads) doesn't hammer the
// Commitfest API on every worker and tick.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps client with a fixed TTL for cached submission lists.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func submissionsCacheKey(commitfestID int) string {
	return "cfbot:commitfest:patches:" + strconv.Itoa(commitfestID)
}

// GetSubmissions returns a cached ListSubmissions result, if present and
// unexpired. A nil Cache (e.g. in tests that don't wire Redis) always
// misses.
func (c *Cache) GetSubmissions(commitfestID int) ([]model.Submission, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	body, err := c.client.Get(context.Background(), submissionsCacheKey(commitfestID)).Bytes()
	if err != nil {
		return nil, false
	}

	var subs []model.Submission
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, false
	}
	return subs, true
}

// PutSubmissions stores a ListSubmissions result for ttl. Failures to cache
// are not fatal to the caller, so errors are swallowed here.
func (c *Cache) PutSubmissions(commitfestID int, subs []model.Submission) {
	if c == nil || c.client == nil {
		return
	}

	body, err := json.Marshal(subs)
	if err != nil {
		return
	}
	c.client.Set(context.Background(), submissionsCacheKey(commitfestID), body, c.ttl)
}
