// Package prompts embeds the instructions given to each LLM-backed phase.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
