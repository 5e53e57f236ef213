package fetcher

// Cache keys shared by the fetch, prefetch and synchronization paths.

func SessionKey(id string) string      { return "session:" + id }
func ProgressKey(id string) string     { return "progress:" + id }
func ScenarioKey(id string) string     { return "scenario:" + id }
func WalletAssetsKey(id string) string { return "wallet:" + id + ":assets" }
