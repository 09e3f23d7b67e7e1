package phases

import (
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/analyst/agent/pkg/workflow/prompts"
)

// Prompt names accepted by Prompts.GetPrompt.
const (
	PromptInterpreter  = "interpreter"
	PromptGapDetector  = "gap_detector"
	PromptSQLGenerator = "sql_generator"
	PromptSQLFixer     = "sql_fixer"
	PromptAnalyzer     = "analyzer"
	PromptCoordinator  = "coordinator"
)

// Prompts contains the phase instructions loaded from embedded files.
type Prompts struct {
	Interpreter  string
	GapDetector  string
	SQLGenerator string // Composed with SQL_CONTEXT
	SQLFixer     string // Composed with SQL_CONTEXT
	Analyzer     string
	Coordinator  string
	SQLContext   string
}

// GetPrompt returns the prompt content for the given name.
// This implements the workflow.PromptsProvider interface.
func (p *Prompts) GetPrompt(name string) string {
	switch name {
	case PromptInterpreter:
		return p.Interpreter
	case PromptGapDetector:
		return p.GapDetector
	case PromptSQLGenerator:
		return p.SQLGenerator
	case PromptSQLFixer:
		return p.SQLFixer
	case PromptAnalyzer:
		return p.Analyzer
	case PromptCoordinator:
		return p.Coordinator
	default:
		return ""
	}
}

// LoadPrompts loads all phase prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.SQLContext, err = loadPrompt("SQL_CONTEXT.md"); err != nil {
		return nil, fmt.Errorf("failed to load SQL_CONTEXT: %w", err)
	}

	files := []struct {
		name   string
		target *string
	}{
		{"INTERPRETER.md", &p.Interpreter},
		{"GAP_DETECTOR.md", &p.GapDetector},
		{"SQL_GENERATOR.md", &p.SQLGenerator},
		{"SQL_FIXER.md", &p.SQLFixer},
		{"ANALYZER.md", &p.Analyzer},
		{"COORDINATOR.md", &p.Coordinator},
	}
	for _, f := range files {
		raw, err := loadPrompt(f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", strings.TrimSuffix(f.name, ".md"), err)
		}
		*f.target = strings.ReplaceAll(raw, "{{SQL_CONTEXT}}", p.SQLContext)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BuildSystemPrompt prefixes a phase prompt with the current date and appends
// the schema and dialect when known.
func BuildSystemPrompt(basePrompt, schema, dialect string, now time.Time) string {
	prompt := fmt.Sprintf("Today's date: %s (UTC)\n\n%s", now.UTC().Format("2006-01-02"), basePrompt)
	if dialect != "" {
		prompt += fmt.Sprintf("\n\n# SQL Dialect\n\n%s", dialect)
	}
	if schema != "" {
		prompt += fmt.Sprintf("\n\n# Database Schema\n\n%s", schema)
	}
	return prompt
}
