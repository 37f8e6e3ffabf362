package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/sqlagent/internal/extract"
)

const continuePrompt = "Continue"

const freeFormTemplate = "You are an AI agent that can use tools to accomplish tasks.\n\n" +
	"%s\n" +
	"User goal: %s\n\n" +
	"To use a tool, respond with EXACTLY this format:\n" +
	"TOOL_CALL: tool_name\n" +
	"ARGS: {\"param1\": \"value1\", \"param2\": \"value2\"}\n\n" +
	"After the tool executes, you'll see the result and can call another tool or provide a final answer.\n" +
	"Type DONE only when you have completed the task."

const tableTemplate = "You are a tool-calling agent. You MUST respond with ONLY a tool call, nothing else.\n\n" +
	"%s\n\n" +
	"TARGET DATA SCHEMA:\n" +
	"You need to collect data that will populate a table with these columns:\n" +
	"%s\n" +
	"Make sure to search for properties/items that have information matching these columns.\n\n" +
	"IMPORTANT RULES:\n" +
	"1. Your response must be ONLY in this EXACT JSON format:\n" +
	"   {\"tool\": \"tool_name\", \"args\": {\"param1\": \"value1\", \"param2\": 123}}\n" +
	"2. Do NOT include explanations, reasoning, or any other text\n" +
	"3. Do NOT use markdown code blocks or backticks\n" +
	"4. ONLY use the exact parameter names shown in the tool signatures above\n" +
	"5. Use proper JSON: keys in \"quotes\", boolean as true/false (lowercase), strings in \"quotes\"\n" +
	"6. You can make MULTIPLE tool calls across iterations to gather detailed data\n" +
	"7. Type DONE only when you have retrieved sufficient detailed information\n\n" +
	"CRITICAL: Extract actual values from previous tool responses\n" +
	"✓ CORRECT: {\"args\": {\"name\": \"sqlite-agent\"}}   (literal value from response)\n" +
	"✗ WRONG:   {\"args\": {\"name\": \"{{items[0].name}}\"}}  (template syntax - will fail!)\n" +
	"✗ WRONG:   {\"args\": {\"name\": \"<name-from-search>\"}} (placeholder - will fail!)\n" +
	"When you receive tool responses, read the actual values and use them directly.\n\n" +
	"Task: %s\n\n" +
	"Respond with ONLY the JSON tool call:"

const extractionTemplate = "Extract structured data from the following information and format it as a JSON array.\n\n" +
	"%s\n\n" +
	"IMPORTANT:\n" +
	"- Return ONLY a JSON array of objects\n" +
	"- Each object must have these EXACT keys (matching column names):\n" +
	"%s\n" +
	"- Extract ALL available data that matches the schema\n" +
	"- Use null for missing values\n" +
	"- Do NOT include the 'embedding' column if present\n\n" +
	"CRITICAL ID EXTRACTION RULE:\n" +
	"If the schema has an 'id' column, look in the JSON data for fields like:\n" +
	"- \"id\", \"listing_id\", \"property_id\", \"item_id\", etc.\n" +
	"Extract the ACTUAL numeric/string ID value from the source data.\n" +
	"Example: if you see {\"id\": 123456789, \"title\": \"Rome Apartment\"}, use 123456789\n" +
	"NEVER use 0, 1, 2, 3 as IDs - use the real IDs from the data!\n\n" +
	"Data to extract:\n%s\n\n" +
	"Return ONLY the JSON array:"

// templateNoteLen bounds how much of rejected args is echoed into history.
const templateNoteLen = 200

func freeFormPrompt(catalog, goal string) string {
	return fmt.Sprintf(freeFormTemplate, catalog, goal)
}

func tablePrompt(catalog, schemaDesc, goal string) string {
	return fmt.Sprintf(tableTemplate, catalog, schemaDesc, goal)
}

func extractionPrompt(schemaDesc, data string) string {
	return fmt.Sprintf(extractionTemplate, schemaDesc, schemaDesc, data)
}

func describeSchema(s extract.Schema) string {
	return "Table columns:\n" + s.Describe()
}

// resultLine renders a tool result for the history, cut to limit bytes.
func resultLine(name, result string, limit int) string {
	if len(result) > limit {
		return fmt.Sprintf("Tool %s returned (truncated to %d chars): %s...\n", name, limit, clip(result, limit))
	}
	return fmt.Sprintf("Tool %s returned: %s\n", name, result)
}

func templateNote(args string) string {
	return "ERROR: Tool args contain invalid template syntax: " + clip(args, templateNoteLen) + "\n"
}

func hasTemplateSyntax(args string) bool {
	return strings.Contains(args, "{{") || strings.Contains(args, "}}")
}

func unreachablePayload(tool string) string {
	return fmt.Sprintf(`{"error": "Failed to execute tool %s"}`, tool)
}

// failurePayload stands in for the result of a tool call that never
// reached the server, so the error guard sees it like any tool error.
func failurePayload(tool string, err error) string {
	b, _ := json.Marshal(struct {
		IsError bool   `json:"isError"`
		Error   string `json:"error"`
	}{true, "failed to execute tool " + tool + ": " + err.Error()})
	return string(b)
}
