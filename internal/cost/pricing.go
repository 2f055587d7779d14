package cost

var builtinDefaults = map[string]string{
	"openai": "gpt-3.5-turbo",
	"claude": "claude-3-haiku-20240307",
	"gemini": "gemini-pro",
}

var builtinPricing = map[string]map[string]ModelPricing{
	"openai": {
		"gpt-4": {
			InputPricePer1K:  0.03,
			OutputPricePer1K: 0.06,
			ContextWindow:    8192,
		},
		"gpt-4-turbo": {
			InputPricePer1K:  0.01,
			OutputPricePer1K: 0.03,
			ContextWindow:    128000,
		},
		"gpt-4o": {
			InputPricePer1K:  0.005,
			OutputPricePer1K: 0.015,
			ContextWindow:    128000,
		},
		"gpt-4o-mini": {
			InputPricePer1K:  0.00015,
			OutputPricePer1K: 0.0006,
			ContextWindow:    128000,
		},
		"gpt-3.5-turbo": {
			InputPricePer1K:  0.0005,
			OutputPricePer1K: 0.0015,
			ContextWindow:    16385,
		},
	},
	"claude": {
		"claude-3-5-sonnet-20241022": {
			InputPricePer1K:  0.003,
			OutputPricePer1K: 0.015,
			ContextWindow:    200000,
		},
		"claude-3-opus-20240229": {
			InputPricePer1K:  0.015,
			OutputPricePer1K: 0.075,
			ContextWindow:    200000,
		},
		"claude-3-sonnet-20240229": {
			InputPricePer1K:  0.003,
			OutputPricePer1K: 0.015,
			ContextWindow:    200000,
		},
		"claude-3-haiku-20240307": {
			InputPricePer1K:  0.00025,
			OutputPricePer1K: 0.00125,
			ContextWindow:    200000,
		},
	},
	"gemini": {
		"gemini-1.5-pro": {
			InputPricePer1K:  0.0035,
			OutputPricePer1K: 0.0105,
			ContextWindow:    2000000, // 2M tokens
		},
		"gemini-1.5-flash": {
			InputPricePer1K:  0.000075,
			OutputPricePer1K: 0.0003,
			ContextWindow:    1000000, // 1M tokens
		},
		"gemini-pro": {
			InputPricePer1K:  0.0005,
			OutputPricePer1K: 0.0015,
			ContextWindow:    30720,
		},
	},
}
