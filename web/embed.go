package web

import "embed"

// FS holds the live sample page served at /.
//
//go:embed *.html
var FS embed.FS
