package mail

import (
	"time"
)

// ProviderType selects the adapter implementation for an account
type ProviderType string

const (
	ProviderGoogle    ProviderType = "google"
	ProviderMicrosoft ProviderType = "microsoft"
)

func (p ProviderType) String() string {
	return string(p)
}

// FolderType is the well-known role of a folder
type FolderType string

const (
	FolderInbox       FolderType = "inbox"
	FolderSent        FolderType = "sent"
	FolderDrafts      FolderType = "drafts"
	FolderArchive     FolderType = "archive"
	FolderTrash       FolderType = "trash"
	FolderSpam        FolderType = "spam"
	FolderUserCreated FolderType = "user"
)

func (t FolderType) String() string {
	return string(t)
}

// ParseFolderType maps a config value to a FolderType
func ParseFolderType(s string) (FolderType, bool) {
	switch FolderType(s) {
	case FolderInbox, FolderSent, FolderDrafts, FolderArchive, FolderTrash, FolderSpam, FolderUserCreated:
		return FolderType(s), true
	}
	return "", false
}

// SyncStatus tracks the upload state of a single message row
type SyncStatus string

const (
	SyncIdle          SyncStatus = "idle"
	SyncPendingUpload SyncStatus = "pending-upload"
	SyncPendingDelete SyncStatus = "pending-delete"
	SyncError         SyncStatus = "error"
)

// ActionType is the kind of local mutation a PendingAction replays
type ActionType string

const (
	ActionMarkRead    ActionType = "mark-read"
	ActionStar        ActionType = "star"
	ActionDelete      ActionType = "delete"
	ActionMove        ActionType = "move"
	ActionSend        ActionType = "send"
	ActionCreateDraft ActionType = "create-draft"
	ActionUpdateDraft ActionType = "update-draft"
)

// ActionStatus is the lifecycle state of a PendingAction
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "in-flight"
	ActionFailed   ActionStatus = "failed"
)

// Payload keys used by the action types
const (
	PayloadRead         = "is_read"
	PayloadStarred      = "is_starred"
	PayloadDestFolderID = "dest_folder_id"
	PayloadSrcFolderID  = "src_folder_id"
	PayloadDraft        = "draft"
)

type Account struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Username     string       `json:"username"`
	Provider     ProviderType `json:"provider"`
	NeedsReauth  bool         `json:"needs_reauth"`
	SyncToken    string       `json:"-"`
	LastSyncedAt *time.Time   `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type Folder struct {
	ID             string     `json:"id"`
	RemoteID       string     `json:"remote_id"`
	AccountID      string     `json:"account_id"`
	DisplayName    string     `json:"display_name"`
	Type           FolderType `json:"type"`
	UnreadCount    int        `json:"unread_count"`
	TotalCount     int        `json:"total_count"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	SyncToken      string     `json:"-"`
	NextPageCursor string     `json:"-"`
	ListComplete   bool       `json:"list_complete"`
}

type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Message struct {
	ID              string     `json:"id"`
	RemoteID        string     `json:"remote_id"`
	AccountID       string     `json:"account_id"`
	FolderID        string     `json:"folder_id"`
	ThreadID        string     `json:"thread_id"`
	Subject         string     `json:"subject"`
	From            Address    `json:"from"`
	To              []Address  `json:"to,omitempty"`
	Cc              []Address  `json:"cc,omitempty"`
	Snippet         string     `json:"snippet"`
	ReceivedAt      time.Time  `json:"received_at"`
	SentAt          time.Time  `json:"sent_at"`
	IsRead          bool       `json:"is_read"`
	IsStarred       bool       `json:"is_starred"`
	HasAttachments  bool       `json:"has_attachments"`
	Body            *string    `json:"body,omitempty"`
	BodyContentType string     `json:"body_content_type,omitempty"`
	IsLocalOnly     bool       `json:"is_local_only"`
	IsOutbox        bool       `json:"is_outbox"`
	IsDraft         bool       `json:"is_draft"`
	SyncStatus      SyncStatus `json:"sync_status"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	IsLocalDeleted  bool       `json:"is_local_deleted"`

	// FolderRemoteID is set by adapters; the driver resolves it to FolderID.
	FolderRemoteID string       `json:"-"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID             string `json:"id"`
	MessageID      string `json:"message_id"`
	RemoteID       string `json:"remote_id"`
	FileName       string `json:"file_name"`
	Size           int64  `json:"size"`
	ContentType    string `json:"content_type"`
	IsInline       bool   `json:"is_inline"`
	DownloadStatus string `json:"download_status"`
	LocalPath      string `json:"local_path,omitempty"`
}

// Draft is the outgoing content for send / create-draft / update-draft
type Draft struct {
	RemoteID    string    `json:"remote_id,omitempty"`
	From        Address   `json:"from"`
	To          []Address `json:"to"`
	Cc          []Address `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type"`
}

type PendingAction struct {
	ID            int64             `json:"id"`
	AccountID     string            `json:"account_id"`
	MessageID     string            `json:"message_id"`
	Type          ActionType        `json:"type"`
	Payload       map[string]string `json:"payload,omitempty"`
	Status        ActionStatus      `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Thread is a best-effort projection over stored messages
type Thread struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	LatestAt     time.Time `json:"latest_at"`
}
