package workflow

import (
	"fmt"
	"strings"

	"docforge/api/internal/completion"
	"docforge/api/internal/store"
)

const recommendationSeparator = "\n\nRecommendation: "

var questionsSchema = completion.Schema{
	Name:   "clarifying_questions",
	Strict: true,
	Properties: map[string]any{
		"questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":       map[string]any{"type": "string"},
					"recommendation": map[string]any{"type": "string"},
				},
				"required":             []string{"question", "recommendation"},
				"additionalProperties": false,
			},
		},
	},
	Required:             []string{"questions"},
	AdditionalProperties: completion.Bool(false),
}

var summarySchema = completion.Schema{
	Name:   "document_summary",
	Strict: true,
	Properties: map[string]any{
		"summary": map[string]any{"type": "string"},
	},
	Required:             []string{"summary"},
	AdditionalProperties: completion.Bool(false),
}

var documentSchema = completion.Schema{
	Name:   "final_document",
	Strict: true,
	Properties: map[string]any{
		"document": map[string]any{"type": "string"},
	},
	Required:             []string{"document"},
	AdditionalProperties: completion.Bool(false),
}

type questionsPayload struct {
	Questions []struct {
		Question       string `json:"question"`
		Recommendation string `json:"recommendation"`
	} `json:"questions"`
}

type summaryPayload struct {
	Summary string `json:"summary"`
}

type documentPayload struct {
	Document string `json:"document"`
}

const questionsSystemPrompt = `You are a senior product manager helping a user write a product requirements document.
Ask clarifying questions that uncover missing requirements, constraints, users, risks and success measures.
For every question give a concrete recommended answer the user can accept or edit.
Never repeat a question that has already been answered.
Respond only with JSON matching the requested schema.`

const summarySystemPrompt = `You are a senior product manager.
Synthesize the project brief and the clarification transcript into a concise summary of the requirements.
Capture goals, users, scope, constraints, open risks and how success is measured.
Respond only with JSON matching the requested schema.`

const documentSystemPrompt = `You are a senior product manager writing the final product requirements document.
Use the approved summary as the source of truth and the project brief for context.
Write well-structured Markdown with headings for overview, goals, users, requirements, scope, risks and success metrics.
Respond only with JSON matching the requested schema.`

func writeBrief(b *strings.Builder, doc store.Document) {
	fmt.Fprintf(b, "Project: %s\n\n", doc.Name)
	fmt.Fprintf(b, "Problem statement:\n%s\n\n", doc.ProblemStatement)
	fmt.Fprintf(b, "In scope:\n%s\n\n", doc.InScope)
	fmt.Fprintf(b, "Out of scope:\n%s\n\n", doc.OutOfScope)
	fmt.Fprintf(b, "Success criteria:\n%s\n", doc.SuccessCriteria)
}

func writeTranscript(b *strings.Builder, questions []store.Question) {
	for i, q := range questions {
		answer := ""
		if q.Answer != nil {
			answer = strings.TrimSpace(*q.Answer)
		}
		fmt.Fprintf(b, "\nQ%d (round %d): %s\nA%d: %s\n", i+1, q.RoundNumber, q.Text, i+1, answer)
	}
}

func questionsPrompt(doc store.Document, round, count int, history []store.Question) completion.Request {
	var b strings.Builder
	writeBrief(&b, doc)
	if round > 1 && len(history) > 0 {
		b.WriteString("\nPrevious questions and answers:\n")
		writeTranscript(&b, history)
	}
	fmt.Fprintf(&b, "\nThis is round %d. Ask %d new clarifying questions.", round, count)

	return completion.Request{
		SystemPrompt: questionsSystemPrompt,
		UserPrompt:   b.String(),
		Schema:       questionsSchema,
	}
}

func summaryPrompt(doc store.Document, questions []store.Question) completion.Request {
	var b strings.Builder
	writeBrief(&b, doc)
	b.WriteString("\nClarification transcript:\n")
	writeTranscript(&b, questions)
	b.WriteString("\nWrite the summary.")

	return completion.Request{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   b.String(),
		Schema:       summarySchema,
	}
}

func documentPrompt(doc store.Document, summary string) completion.Request {
	var b strings.Builder
	writeBrief(&b, doc)
	fmt.Fprintf(&b, "\nApproved summary:\n%s\n", summary)
	b.WriteString("\nWrite the complete document.")

	return completion.Request{
		SystemPrompt: documentSystemPrompt,
		UserPrompt:   b.String(),
		Schema:       documentSchema,
	}
}

// formatQuestion stores a question and its recommendation as one string.
func formatQuestion(question, recommendation string) string {
	return strings.TrimSpace(question) + recommendationSeparator + strings.TrimSpace(recommendation)
}
