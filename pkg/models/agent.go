package models

// Agent is a tenant-configured AI persona assignable to a session.
// Read-only input to the response generator.
type Agent struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Temperature  float32 `json:"temperature"`
	BaseURL      string  `json:"base_url,omitempty"`
}
