package dispatch

import "time"

// Mode is the addressing mode of a dispatch request.
type Mode string

const (
	ModeDevice    Mode = "device"
	ModeTopic     Mode = "topic"
	ModeBroadcast Mode = "broadcast"
)

// Status is the aggregated outcome of a dispatch request.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// PlatformOptions are envelope fields forwarded to the provider unmodified.
type PlatformOptions struct {
	Priority    string `json:"priority,omitempty"`
	ClickAction string `json:"clickAction,omitempty"`
	Icon        string `json:"icon,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Sound       string `json:"sound,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	Link        string `json:"link,omitempty"`
	Badge       *int   `json:"badge,omitempty"`
}

// Content is the payload of a notification. A content with neither title nor
// body is delivered as a silent data-only message.
type Content struct {
	Title   string            `json:"title,omitempty"`
	Body    string            `json:"body,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Options PlatformOptions   `json:"options,omitempty"`
}

// Silent reports whether the content carries no visible notification.
func (c Content) Silent() bool {
	return c.Title == "" && c.Body == ""
}

type DeviceRequest struct {
	AccountID string  `json:"accountId,omitempty"`
	Token     string  `json:"token"`
	Content   Content `json:"content"`
	Operator  string  `json:"operator,omitempty"`
}

type TopicRequest struct {
	AccountID string  `json:"accountId,omitempty"`
	Topic     string  `json:"topic"`
	Content   Content `json:"content"`
	Operator  string  `json:"operator,omitempty"`
}

// BroadcastRequest targets the explicit devices and tokens given, or every
// active device when both lists are empty.
type BroadcastRequest struct {
	AccountID string   `json:"accountId,omitempty"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
	Tokens    []string `json:"tokens,omitempty"`
	Content   Content  `json:"content"`
	Operator  string   `json:"operator,omitempty"`
}

// ErrorGroup counts failures sharing one provider error code.
type ErrorGroup struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// DispatchResult is the single aggregated outcome of a top-level request.
type DispatchResult struct {
	Mode          Mode         `json:"mode"`
	Title         string       `json:"title,omitempty"`
	Body          string       `json:"body,omitempty"`
	Target        string       `json:"target"`
	AccountID     string       `json:"accountId,omitempty"`
	Policy        string       `json:"policy,omitempty"`
	Status        Status       `json:"status"`
	SuccessCount  int          `json:"successCount"`
	FailureCount  int          `json:"failureCount"`
	FailureReason string       `json:"failureReason,omitempty"`
	ErrorGroups   []ErrorGroup `json:"errorGroups,omitempty"`
	MessageIDs    []string     `json:"messageIds,omitempty"`
	Batches       int          `json:"batches"`
	Deactivated   int          `json:"deactivated"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   time.Time    `json:"completedAt"`
}

// HistoryEntry is one audit record per top-level dispatch request.
type HistoryEntry struct {
	ID        string         `json:"id"`
	Operator  string         `json:"operator,omitempty"`
	Result    DispatchResult `json:"result"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SubscriptionResult reports a subscribe/unsubscribe call and how much of it
// could be mirrored locally.
type SubscriptionResult struct {
	Topic        string       `json:"topic"`
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
	Errors       []ErrorGroup `json:"errors,omitempty"`
	Synced       int          `json:"synced"`
	NotSynced    int          `json:"notSynced"`
}
