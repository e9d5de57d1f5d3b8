package gemini

// ModelInfo describes one supported generation model
type ModelInfo struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default"`
}

// supportedModels is the registry of model identifiers the engine accepts.
// Requests naming anything else are rejected before any prompt is built.
var supportedModels = []ModelInfo{
	{
		ID:          "gemini-2.5-flash",
		Label:       "Gemini 2.5 Flash",
		Description: "Fast general-purpose model, the default for optimization tasks",
		Default:     true,
	},
	{
		ID:          "gemini-2.5-pro",
		Label:       "Gemini 2.5 Pro",
		Description: "Higher quality, slower and more expensive",
	},
	{
		ID:          "gemini-2.0-flash",
		Label:       "Gemini 2.0 Flash",
		Description: "Previous generation fallback",
	},
}

// SupportedModels returns the model registry
func SupportedModels() []ModelInfo {
	out := make([]ModelInfo, len(supportedModels))
	copy(out, supportedModels)
	return out
}

// IsSupported reports whether the model id is in the registry
func IsSupported(id string) bool {
	for _, m := range supportedModels {
		if m.ID == id {
			return true
		}
	}
	return false
}

// DefaultModel returns the id of the default model
func DefaultModel() string {
	for _, m := range supportedModels {
		if m.Default {
			return m.ID
		}
	}
	return supportedModels[0].ID
}
