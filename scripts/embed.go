// Package scripts embeds the default expansion scripts.
package scripts

import "embed"

// FS holds expand/*.risor. Pass it to understory.WithScriptsFS.
//
//go:embed expand/*.risor
var FS embed.FS
