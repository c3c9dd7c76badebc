// Package identityassets embeds the application identity so installed
// binaries resolve it without a .fulmen/app.yaml on disk.
package identityassets

import _ "embed"

// AppYAML is the embedded .fulmen/app.yaml document.
//
//go:embed app.yaml
var AppYAML []byte
