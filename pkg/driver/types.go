package driver

import (
	"time"
)

// ActionType represents the supported atomic browser actions.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionHover    ActionType = "hover"
	ActionKey      ActionType = "key"
	ActionFocus    ActionType = "focus"
	ActionSelect   ActionType = "select"
	ActionWait     ActionType = "wait"
	ActionAssert   ActionType = "assert"

	// ActionDone is the decision provider's terminal marker; it is never
	// executed against a handle.
	ActionDone ActionType = "done"
)

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Action is one atomic request against a browser handle.
type Action struct {
	Type     ActionType    `json:"type"`
	Selector string        `json:"selector,omitempty"`
	Value    string        `json:"value,omitempty"`
	URL      string        `json:"url,omitempty"`
	Key      string        `json:"key,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// PageElement is one interactive element visible on the current page.
type PageElement struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	Name     string `json:"name,omitempty"`
	Visible  bool   `json:"visible"`
}

// Observation bundles the page state returned to the agent loop.
type Observation struct {
	URL        string        `json:"url,omitempty"`
	Title      string        `json:"title,omitempty"`
	Elements   []PageElement `json:"elements,omitempty"`
	Screenshot string        `json:"screenshot,omitempty"` // artifact reference, not raw bytes
	Timestamp  time.Time     `json:"timestamp"`
}

// Outcome summarizes the result of one executed action.
type Outcome struct {
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Observation *Observation  `json:"observation,omitempty"`
}

// LaunchOptions configures a new browser handle.
type LaunchOptions struct {
	SessionID  string        `json:"session_id"`
	InitialURL string        `json:"initial_url,omitempty"`
	Viewport   Viewport      `json:"viewport"`
	Headed     bool          `json:"headed,omitempty"`
	SlowMo     time.Duration `json:"slow_mo,omitempty"`
	NavTimeout time.Duration `json:"nav_timeout,omitempty"`
}

// DefaultLaunchOptions returns the recommended handle defaults.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Viewport: Viewport{
			Width:  1280,
			Height: 720,
		},
		NavTimeout: 30 * time.Second,
	}
}
