package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Stage prompts share one long system prompt across every lead
// in a run, so later calls read it from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
