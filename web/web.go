// Package web embeds the dashboard served at /.
package web

import "embed"

//go:embed static
var StaticFiles embed.FS
