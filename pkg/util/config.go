package util

// PrefixConfig joins a flag namespace and an option name. The top-level
// config passes an empty prefix; nested module configs pass their own name so
// flags come out as "notifier.queues", "store.postgres.database-url", etc.
func PrefixConfig(prefix string, option string) string {
	if prefix == "" {
		return option
	}
	return prefix + "." + option
}
