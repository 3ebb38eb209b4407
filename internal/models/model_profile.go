package models

// ModelProfile is a user-selectable assistant persona backed by a provider model.
type ModelProfile struct {
	ID           string `json:"id" yaml:"id"`
	DisplayName  string `json:"display_name" yaml:"display_name"`
	BackingModel string `json:"backing_model" yaml:"backing_model"`
	Description  string `json:"description" yaml:"description"`
	Icon         string `json:"icon" yaml:"icon"`
	Reasoning    bool   `json:"reasoning" yaml:"reasoning"`
	SystemPrompt string `json:"-" yaml:"system_prompt"`
}
