//go:build pinmap_opt_cachelinesize_128

package pinmap

const CacheLineSize = 128
