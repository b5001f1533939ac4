// Package prompts provides externalized prompt and PR body templates with
// override support.
package prompts

import "embed"

//go:embed generation/*.md pr/*.md
var embeddedFS embed.FS
