package extraction

import (
	"fmt"
	"strings"

	"github.com/memtensor/hybridmem/pkg/types"
)

// PreferenceSchema is the structured output requested from the classifier
var PreferenceSchema = types.OutputSchema{
	Name: "preference_record",
	Properties: map[string]types.SchemaField{
		"type": {
			Type:        "string",
			Enum:        []string{"preference", "intent", "constraint", "neutral"},
			Description: "Kind of statement; neutral when the message expresses none of the others",
		},
		"topic":      {Type: "string", Description: "Short noun phrase naming what the statement is about"},
		"action":     {Type: "string", Description: "Verb phrase describing the stance or planned action"},
		"timeframe":  {Type: "string", Description: "ISO-8601 date or timestamp, or the literal 'ongoing'"},
		"sentiment":  {Type: "string", Enum: []string{"positive", "negative", "neutral"}},
		"confidence": {Type: "number", Description: "Confidence between 0 and 1"},
		"entities":   {Type: "array", Items: "string", Description: "Named things mentioned, in order of appearance"},
	},
	Required: []string{"type", "topic", "action", "timeframe", "sentiment", "confidence", "entities"},
}

const promptTemplate = `Classify the user's message below as a preference, an intent, a constraint or neutral.

- preference: a lasting like or dislike ("I love green tea").
- intent: something the user plans or wants to do ("I want to run a marathon in May").
- constraint: a hard limit the assistant must respect ("I'm allergic to peanuts").
- neutral: anything else.

Resolve relative dates against %s. Use "ongoing" when no timeframe applies.
Hints from keyword detection: %s.

Message:
"""
%s
"""`

// BuildPrompt renders the classification prompt for one message
func BuildPrompt(text string, hints []types.PreferenceType, today string) string {
	h := "none"
	if len(hints) > 0 {
		parts := make([]string, len(hints))
		for i, t := range hints {
			parts[i] = string(t)
		}
		h = strings.Join(parts, ", ")
	}
	return fmt.Sprintf(promptTemplate, today, h, strings.TrimSpace(text))
}
