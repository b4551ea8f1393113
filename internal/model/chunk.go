package model

// Chunk is one labeled slice of document text bound for the model.
type Chunk struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// SearchHit is a single web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
