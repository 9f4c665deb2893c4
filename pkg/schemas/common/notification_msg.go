package common

// Fan-out event names.
const (
	EventStatus          = "wa:status"
	EventMessageNew      = "msg:new"
	EventMessageAck      = "msg:ack"
	EventNewNotification = "new_notification"
)

// TenantTopic addresses every subscriber of one tenant.
func TenantTopic(tenantID string) string { return "tenant:" + tenantID }

// UserTopic addresses one user.
func UserTopic(userID string) string { return "user:" + userID }

type NoticeCode string

const (
	NoticeNewLead           NoticeCode = "lead.assigned"
	NoticeNewMessage        NoticeCode = "message.new"
	NoticeFollowUpCancelled NoticeCode = "followup.cancelled"
)

// Notice is a user-facing notification pushed to UserTopic.
type Notice struct {
	Code      NoticeCode     `json:"code"`
	TenantID  string         `json:"tenantId"`
	UserID    string         `json:"userId"`
	ContactID string         `json:"contactId,omitempty"`
	Text      string         `json:"text"`
	Link      string         `json:"link,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}
