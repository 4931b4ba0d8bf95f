package registry

type ModelInfo struct {
	ID     string
	Name   string
	Family Family
}

var catalogue = []ModelInfo{
	{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Family: Google},
	{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Family: Google},
	{ID: "gemma-3-27b-it", Name: "Gemma 3 27B", Family: Google},
	{ID: "mistral-large-latest", Name: "Mistral Large", Family: Mistral},
	{ID: "mistral-medium-latest", Name: "Mistral Medium", Family: Mistral},
	{ID: "mistral-small-latest", Name: "Mistral Small", Family: Mistral},
	{ID: "codestral-latest", Name: "Codestral", Family: Mistral},
	{ID: "glm-4.5-flash", Name: "GLM 4.5 Flash", Family: Zhipu},
	{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B", Family: Groq},
	{ID: "openai/gpt-oss-20b", Name: "GPT-OSS 20B", Family: Groq},
	{ID: "gpt-oss-120b", Name: "GPT-OSS 120B", Family: Cerebras},
	{ID: "qwen-3-235b-a22b-instruct-2507", Name: "Qwen 3 235B Instruct", Family: Cerebras},
	{ID: "zai-glm-4.6", Name: "Z.ai GLM 4.6", Family: Cerebras},
}

// Models lists the supported models in display order.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(catalogue))
	copy(out, catalogue)
	return out
}

func LookupModel(id string) (ModelInfo, bool) {
	for _, m := range catalogue {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}
