package audit

import "time"

// Entry is one immutable audit record. Context is a free-form structured
// payload; human-readable descriptions live inside it rather than in a
// dedicated column, and it never participates in ordering.
type Entry struct {
	ID         int64
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Context    map[string]any
	IPAddress  string
	UserAgent  string
	OccurredAt time.Time
}

// Action types recorded by the platform.
const (
	ActionLogin           = "login"
	ActionLoginFailed     = "login_failed"
	ActionTokenRefresh    = "token_refresh"
	ActionSocialSignin    = "social_signin"
	ActionSocialCreation  = "social_user_creation"
	ActionRegister        = "register"
	ActionCreateAccount   = "create_account"
	ActionChangeRole      = "change_role"
	ActionDeactivate      = "deactivate_account"
	ActionVerifyChannel   = "verify_channel"
	ActionRequestToken    = "request_verification"
	ActionReassign        = "reassign_customer"
	ActionSetPassword     = "set_password"
)

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo describes the window returned by Timeline.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps timeline rows with paging metadata.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
