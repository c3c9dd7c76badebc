// Package schemasassets embeds the JSON schemas of sessiond's persisted
// documents so validation works from any working directory.
package schemasassets

import _ "embed"

// ReattachRecordSchema describes the reattach record file.
//
//go:embed reattach-record.schema.json
var ReattachRecordSchema []byte
