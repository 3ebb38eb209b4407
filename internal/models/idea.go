package models

type AnalyzeIdeaRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Model       string `json:"model"`
}

// IdeaAnalysis holds the labeled sections of an idea review. Sections the
// model left out carry a placeholder instead of being empty.
type IdeaAnalysis struct {
	Summary   string `json:"summary"`
	Strengths string `json:"strengths"`
	Risks     string `json:"risks"`
	NextSteps string `json:"next_steps"`
	ModelTag  string `json:"model_tag"`
}
