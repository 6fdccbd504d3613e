package store

import (
	"slices"
	"time"
)

type Category string

const (
	CategoryGit    Category = "git"
	CategoryVSCode Category = "vscode"
	CategoryCmd    Category = "cmd"
)

// Categories lists the catalog tabs in display order.
var Categories = []Category{CategoryGit, CategoryVSCode, CategoryCmd}

func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// Command is one catalog record. An empty Status marks a record written before
// moderation existed; it is treated as approved.
type Command struct {
	ID          string
	Category    Category
	CommandText string
	Description string
	SearchTags  string
	Status      Status
	CreatedAt   time.Time
	CopyCount   int
	LikedBy     []string
	SubmittedBy string
}

func (c Command) EffectiveStatus() Status {
	if c.Status == "" {
		return StatusApproved
	}
	return c.Status
}

func (c Command) Visible() bool {
	return c.EffectiveStatus() == StatusApproved
}

func (c Command) LikeCount() int {
	return len(c.LikedBy)
}

func (c Command) LikedByUser(userID string) bool {
	return userID != "" && slices.Contains(c.LikedBy, userID)
}

type User struct {
	ID           string
	DisplayName  string
	Handle       string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Order selects the created_at ordering of a listing.
type Order int

const (
	OrderNewestFirst Order = iota
	OrderOldestFirst
)

// Mutable field names accepted by the field-level write operations.
const (
	FieldStatus      = "status"
	FieldDescription = "description"
	FieldSearchTags  = "search_tags"
	FieldCopyCount   = "copy_count"
	FieldLikedBy     = "liked_by_users"
)
