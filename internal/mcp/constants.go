package mcp

// Tool parameter descriptions and error messages shared across tools.
const (
	descSessionID = "The session ID returned by session_start"

	errSessionIDRequired = "session_id is required"
	errProfileIDRequired = "profile_id must be a positive integer"
)
