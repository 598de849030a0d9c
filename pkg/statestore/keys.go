package statestore

import "fmt"

// Key namespace, verbatim from spec.md §6.
const (
	prefix = "mssql_sync:"

	enabledPrefix       = prefix + "enabled:"
	forceFullLoadPrefix = prefix + "force_full_load:"
	versionPrefix       = prefix + "version:"
	progressPrefix      = prefix + "progress:"

	configPrimaryURLKey = prefix + "config:primary_url"
	configReplicaURLKey = prefix + "config:replica_url"
)

func enabledKey(table string) string       { return fmt.Sprintf("%s%s", enabledPrefix, table) }
func forceFullLoadKey(table string) string { return fmt.Sprintf("%s%s", forceFullLoadPrefix, table) }
func versionKey(table string) string       { return fmt.Sprintf("%s%s", versionPrefix, table) }
func progressKey(table string) string      { return fmt.Sprintf("%s%s", progressPrefix, table) }
