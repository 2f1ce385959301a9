// Package plugins registers all built-in plugins.
package plugins

import (
	// Parsers register themselves with pkg/plugin from init.
	_ "firestige.xyz/chains/plugins/parser/http"
	_ "firestige.xyz/chains/plugins/parser/tls"
)
