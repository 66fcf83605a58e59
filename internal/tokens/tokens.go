package tokens

// Usage counts tokens consumed by a model invocation, split the way
// provider billing splits them.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// Add returns the element-wise sum of u and v. The zero Usage is the
// identity, and Add is associative and commutative, so partial sums can
// be combined in any order.
func (u Usage) Add(v Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + v.InputTokens,
		OutputTokens:        u.OutputTokens + v.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + v.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + v.CacheCreationTokens,
	}
}

// Total returns the sum of all four counters.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Sum folds any number of usages into one.
func Sum(usages ...Usage) Usage {
	var total Usage
	for _, u := range usages {
		total = total.Add(u)
	}
	return total
}
