package types

import "time"

// TabInfo holds metadata about an attached page target. The journal uses
// PathSegment and BrowserID to route records per tab.
type TabInfo struct {
	TargetID    string    `json:"tab_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	PathSegment string    `json:"path_segment"` // Transformed URL path, e.g., "index.html"
	BrowserID   string    `json:"browser_id"`   // Short ID from target ID, e.g., "B0D5A8E8"
	Mode        string    `json:"mode"`         // chromedp or raw
	AttachedAt  time.Time `json:"attached_at"`
}

// TabInfoProvider is an interface for looking up tab information by ID.
// This breaks the import cycle between the surface clients and the controller.
type TabInfoProvider interface {
	GetByStringID(tabID string) (*TabInfo, bool)
}
