package bqddl

import im "bqddl/internal/migrator"

var statements = im.NewRegistry()

// RegisterStatement adds the DDL for dataset.name from code. Registered
// statements take precedence over files in the DDL directory. It is meant
// to be called from init functions.
func RegisterStatement(dataset, name, sql string) error {
	return statements.Register(dataset, name, sql)
}
