package handlers

// ErrorResponse is the JSON error body every handler returns on failure.
// It carries a human-readable message and nothing else; internals stay in
// the logs.
type ErrorResponse struct {
	Message string `json:"message"`
}
