//go:build pinmap_opt_cachelinesize_64

package pinmap

// CacheLineSize build-tag override for targets where the detected
// value is wrong or a fixed layout is wanted.
const CacheLineSize = 64
