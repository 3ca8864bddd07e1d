// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

const (
	defaultCacheSize        = 65536
	defaultMetricsNamespace = "chaindb_object_cache"
)

type Config struct {
	// CacheSize is the number of decoded rows kept in memory
	CacheSize int `json:"cache-size"`
	// MetricsNamespace prefixes the object cache metrics
	MetricsNamespace string `json:"metrics-namespace"`
}

func DefaultConfig() Config {
	return Config{
		CacheSize:        defaultCacheSize,
		MetricsNamespace: defaultMetricsNamespace,
	}
}
