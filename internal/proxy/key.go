package proxy

// DeriveKey builds the cache key for an upstream call from the escaped,
// normalized sub-path and the raw query string. The query is used
// verbatim, so parameter order matters.
func DeriveKey(subPath, rawQuery string) string {
	if rawQuery == "" {
		return subPath
	}
	return subPath + "?" + rawQuery
}
