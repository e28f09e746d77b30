package content

// Topic is one unit of the course tree. The authoring side owns mutation;
// the embed views only ever read.
type Topic struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// Section is a chapter inside a topic.
type Section struct {
	ID        string `json:"id"`
	TopicSlug string `json:"topic_slug"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
}
