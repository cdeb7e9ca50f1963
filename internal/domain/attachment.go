package domain

import "time"

// UploadKind selects the message type an uploaded object will be sent as.
type UploadKind string

const (
	UploadKindImage UploadKind = "image"
	UploadKindFile  UploadKind = "file"
)

// Attachment represents an object uploaded to R2 for an image or file message
type Attachment struct {
	ID        string     `json:"id"`
	ChatID    int64      `json:"chat_id"`
	Uploader  int64      `json:"uploader"`
	Kind      UploadKind `json:"kind"`
	Bucket    string     `json:"bucket"`
	ObjectKey string     `json:"object_key"`
	Filename  string     `json:"filename"`
	MimeType  string     `json:"mime_type"`
	SizeBytes int64      `json:"size_bytes"`
	CreatedAt time.Time  `json:"created_at"`
}

// UploadInitRequest is the request to initialize an upload
type UploadInitRequest struct {
	ChatID    int64  `json:"chat_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// UploadInitResponse is the response from upload init. URL is the
// download location to place in the message content once the PUT succeeds.
type UploadInitResponse struct {
	FileID          string            `json:"fileId"`
	ObjectKey       string            `json:"object_key"`
	PresignedURL    string            `json:"presigned_url"`
	URL             string            `json:"url"`
	Kind            UploadKind        `json:"kind"`
	RequiredHeaders map[string]string `json:"required_headers,omitempty"`
}
