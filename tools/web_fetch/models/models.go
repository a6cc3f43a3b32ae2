package models

type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Byline      string `json:"byline"`
	SiteName    string `json:"site_name"`
	PublishedAt string `json:"published_at"`
	Text        string `json:"text"`
	TopImage    string `json:"top_image"`
	HTMLHash    string `json:"html_hash"`
	Status      int    `json:"status"`
	RenderMS    int    `json:"render_ms"`
}

// Empty reports whether no readable text was obtained.
func (r Result) Empty() bool { return r.Text == "" }
