// Package migrations holds the tenant schema SQL, applied in file-name order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
