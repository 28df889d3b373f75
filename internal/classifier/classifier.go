// Package classifier assigns a coarse category to a prompt from keyword
// rules. The category feeds both the Model Router's weighting profile and
// the Synthesis Engine's strategy selection, so classification happens once,
// up front, rather than being re-derived by each downstream component.
package classifier

import (
	"strings"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
)

// rule pairs a category with the keywords that trigger it. Rules are checked
// in order; the first match wins. Keep CategoryConversational last — it is
// the fallback for prompts that don't hit any other rule.
type rule struct {
	category ensemble.PromptCategory
	keywords []string
}

var rules = []rule{
	{
		category: ensemble.CategoryAnalytical,
		keywords: []string{"analyze", "compare", "evaluate", "pros and cons", "trade-off", "tradeoff", "which is better"},
	},
	{
		category: ensemble.CategoryCreative,
		keywords: []string{"write a story", "poem", "brainstorm", "creative", "imagine", "invent a"},
	},
	{
		category: ensemble.CategoryTechnical,
		keywords: []string{"code", "function", "bug", "error", "stack trace", "algorithm", "implement", "api", "debug"},
	},
	{
		category: ensemble.CategoryExplanatory,
		keywords: []string{"explain", "how does", "why does", "walk me through", "what is the difference"},
	},
	{
		category: ensemble.CategoryFactual,
		keywords: []string{"what is", "when did", "who is", "how many", "capital of", "define"},
	},
}

// Classify returns the category for a prompt's last user message. Falls back
// to CategoryConversational when no rule matches.
func Classify(p ensemble.Prompt) ensemble.PromptCategory {
	if p.Category != "" {
		return p.Category
	}
	content := lastUserContent(p.Messages)
	lower := strings.ToLower(content)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.category
			}
		}
	}
	return ensemble.CategoryConversational
}

func lastUserContent(messages []ensemble.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
