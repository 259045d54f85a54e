package store

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// User is the authoritative account record. Created on first successful
// login and refreshed on each login; never deleted.
type User struct {
	ID        string   `dynamodbav:"id"`
	Login     string   `dynamodbav:"login"`
	Name      string   `dynamodbav:"name"`
	AvatarURL string   `dynamodbav:"avatar_url"`
	Memos     []string `dynamodbav:"memos,omitempty"`
}

// OauthSession holds in-flight OAuth handshake state. Write-once,
// exactly-once read: consuming it deletes it so a login flow cannot be
// replayed.
type OauthSession struct {
	State        string `dynamodbav:"state"`
	CodeVerifier string `dynamodbav:"code_verifier"`
}

// Image is the primary record for an uploaded image. Data is hydrated
// from the blob host on read and never persisted.
type Image struct {
	ID        string    `dynamodbav:"id"`
	UID       string    `dynamodbav:"uid"`
	URL       string    `dynamodbav:"url"`
	Type      string    `dynamodbav:"type"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`

	Data []byte `dynamodbav:"-"`
}

// TimelineImage is the denormalized projection of an image creation
// event, stored under the global timeline partition so a single prefix
// scan yields a feed without joining per-user image data.
type TimelineImage struct {
	ID        string    `dynamodbav:"id"`
	UID       string    `dynamodbav:"uid"`
	UserName  string    `dynamodbav:"user_name"`
	AvatarURL string    `dynamodbav:"avatar_url"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// SigninRecord is one entry of the append-only signin audit trail.
type SigninRecord struct {
	At   time.Time
	User User
}

// ListOptions controls listing order.
type ListOptions struct {
	// Reverse yields newest-first instead of key order.
	Reverse bool
}
