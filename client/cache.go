package client

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/webitel/socket-pool-service/pkg/model"
)

const resultCacheSize = 512

// resultCache is a small expiring LRU of successful responses, keyed by
// action, endpoint and a digest of the payload.
type resultCache struct {
	lru *expirable.LRU[string, []byte]
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &resultCache{
		lru: expirable.NewLRU[string, []byte](resultCacheSize, nil, ttl),
	}
}

func cacheKey(req *model.Request) string {
	digest := md5.Sum([]byte(req.Message))
	return fmt.Sprintf("%s|%s:%d|%s",
		req.Action, req.Host, req.Port, hex.EncodeToString(digest[:]))
}

func (c *resultCache) get(req *model.Request, out model.Responder) bool {
	data, ok := c.lru.Get(cacheKey(req))
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (c *resultCache) put(req *model.Request, res model.Responder) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	c.lru.Add(cacheKey(req), data)
}
