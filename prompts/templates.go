package prompts

// 模板名称
const (
	Structuring = "structuring"
	Summary     = "summary"
	RAG         = "rag"
	Fallback    = "fallback"
	System      = "system"
)

// Data 模板变量
type Data struct {
	Transcript string
	Context    string
	Query      string
	History    string
}

// requiredVars 每个模板必须引用的变量
var requiredVars = map[string][]string{
	Structuring: {"Transcript"},
	Summary:     {"Transcript"},
	RAG:         {"Context", "Query"},
	Fallback:    nil,
	System:      nil,
}

var defaults = map[string]string{
	Structuring: structuringPrompt,
	Summary:     summaryPrompt,
	RAG:         ragPrompt,
	Fallback:    fallbackResponse,
	System:      systemPrompt,
}

const structuringPrompt = `You are an expert transcript editor. The transcript below was produced by a speech recognizer that could not tell speakers apart, so every line carries the same label.

Identify the distinct speakers from context (turn taking, greetings, names mentioned) and relabel each line.

**RULES:**
- Keep exactly one output line per input line, in the same order.
- Do not change, merge or drop any text.
- Use labels of the form SPEAKER_00, SPEAKER_01, ... in order of first appearance.
- Output format per line: ` + "`<index>|<label>`" + ` where index is the line number shown in the input.
- Output nothing else.

**TRANSCRIPT:**
{{.Transcript}}

**RELABELLED LINES:**`

const summaryPrompt = `You are an expert meeting analyst. Based on the following meeting transcript, write a professional meeting summary in markdown.

**TRANSCRIPT:**
{{.Transcript}}

**REQUIRED OUTPUT FORMAT:**

# Meeting Summary

## Executive Summary
[2-4 sentences covering the meeting's purpose, main topics and outcomes]

## Key Decisions
[Numbered list of decisions. If none were made, state: "No formal decisions were made in this meeting."]

## Action Items
[Numbered list with assignee and deadline when mentioned. If none, state: "No specific action items were assigned during this meeting."]

## Participants
[Bulleted list of the speakers by name with a one-line description of their contribution]

**GUIDELINES:**
- Use the speaker names exactly as they appear in the transcript
- Do not add information that is not in the transcript
- Keep it concise, factual and actionable

**SUMMARY:**`

const ragPrompt = `You are an intelligent meeting assistant with access to excerpts from a meeting transcript. Answer based EXCLUSIVELY on the information in the excerpts below.

**CONTEXT FROM THE MEETING:**

{{.Context}}

---
{{if .History}}
**EARLIER IN THIS CONVERSATION:**

{{.History}}

---
{{end}}
**USER'S QUESTION:**

{{.Query}}

---

**INSTRUCTIONS:**
1. Use ONLY information from the context above; if it is not there, say so clearly.
2. Cite which speaker said what when relevant, and include specific details (numbers, dates, names).
3. Start with a direct answer, then supporting details. Use bullet points for multiple items.
4. Keep a professional, concise tone.

**ANSWER:**`

const fallbackResponse = `I don't have enough information from this meeting transcript to answer that question accurately.

**This could be because:**
- The topic wasn't discussed in this particular meeting
- The question is about details that weren't captured in the transcript

**Suggestions:**
- Ask about the main topics that were covered
- Ask "What was discussed in this meeting?" for an overview
- Ask about specific speakers if you know they were involved`

const systemPrompt = `You are a highly capable meeting assistant. Your primary function is to help users understand and extract value from meeting transcripts.

Only use information from the provided transcript. Be specific, include names and details when available, and clearly state when information is not available. Do not speculate about intentions or actions that were not mentioned.`
