package ratelimit

import "strconv"

// ShardIndex maps a raw rate-limit key to a shard in [0, shards).
// The hash is the classic 31-multiplier string hash computed in signed
// 32-bit arithmetic, so the same key always lands on the same shard and
// the distribution matches deployments that shard with the JavaScript
// equivalent ((h << 5) - h + c with |0 truncation).
func ShardIndex(key string, shards int) int {
	if shards <= 1 {
		return 0
	}

	var h int32
	for i := 0; i < len(key); i++ {
		h = h*31 + int32(key[i])
	}

	// Widen before negating so math.MinInt32 maps cleanly.
	a := int64(h)
	if a < 0 {
		a = -a
	}

	return int(a % int64(shards))
}

// ShardKey builds the storage key for a raw client key: prefix + key + ":" +
// shard index. Spreading clients across shard suffixes keeps any one Redis
// cluster slot from absorbing the full keyspace.
func ShardKey(prefix, key string, shards int) string {
	return prefix + key + ":" + strconv.Itoa(ShardIndex(key, shards))
}
