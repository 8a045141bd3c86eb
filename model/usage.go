package model

type (
	// CompletionUsage records prompt and completion token counts for one model
	// call or an accumulation of calls. Usage values form a commutative monoid
	// under Add: deltas reported in any valid arrival order fold into the same
	// totals.
	CompletionUsage struct {
		// PromptTokens counts tokens consumed by the prompt and message
		// history.
		PromptTokens int
		// CompletionTokens counts tokens produced by the model.
		CompletionTokens int
	}

	// ModelCost holds per-million-token pricing for a model.
	ModelCost struct {
		// PromptPer1M is the USD price of one million prompt tokens.
		PromptPer1M float64
		// CompletionPer1M is the USD price of one million completion tokens.
		CompletionPer1M float64
	}

	// ModelInfo is a static registry entry describing one model supported by
	// a runner.
	ModelInfo struct {
		// Name is the canonical provider model identifier.
		Name string
		// Aliases lists the shorthand names users may supply.
		Aliases []string
		// Cost is the model's pricing. Zero for free or untracked models.
		Cost ModelCost
	}
)

// Add returns the element-wise sum of u and other.
func (u CompletionUsage) Add(other CompletionUsage) CompletionUsage {
	return CompletionUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Total returns the aggregate token count (prompt + completion).
func (u CompletionUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// USD computes the cost of the given usage at this pricing.
func (c ModelCost) USD(u CompletionUsage) float64 {
	return float64(u.PromptTokens)*c.PromptPer1M/1e6 +
		float64(u.CompletionTokens)*c.CompletionPer1M/1e6
}

// Matches reports whether name is the model's canonical name or one of its
// aliases.
func (m ModelInfo) Matches(name string) bool {
	if name == m.Name {
		return true
	}
	for _, alias := range m.Aliases {
		if name == alias {
			return true
		}
	}
	return false
}
