package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobType tags a job with the handler that processes it.
type JobType string

const (
	TypeGeneratePost JobType = "generate-post"
	TypePublishPost  JobType = "publish-post"
	TypeSendDigest   JobType = "send-digest"
)

var JobTypes = []JobType{TypeGeneratePost, TypePublishPost, TypeSendDigest}

var ErrUnknownJobType = errors.New("unknown job type")

func (t JobType) Valid() bool {
	for _, k := range JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Payload is the typed input of a job. Each variant belongs to exactly one JobType.
type Payload interface {
	JobType() JobType
}

// Result is the typed output a handler produces for a completed job.
type Result interface {
	JobType() JobType
}

type GeneratePostPayload struct {
	Topic     string   `json:"topic" validate:"required,max=200"`
	Keywords  []string `json:"keywords,omitempty" validate:"max=20,dive,required,max=64"`
	WordCount int      `json:"wordCount,omitempty" validate:"omitempty,min=100,max=10000"`
	Category  string   `json:"category,omitempty" validate:"max=64"`
}

func (GeneratePostPayload) JobType() JobType { return TypeGeneratePost }

type GeneratePostResult struct {
	PostID    string `json:"postId"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	WordCount int    `json:"wordCount"`
}

func (GeneratePostResult) JobType() JobType { return TypeGeneratePost }

type PublishPostPayload struct {
	PostID    string     `json:"postId" validate:"required,max=128"`
	Slug      string     `json:"slug,omitempty" validate:"max=200"`
	PublishAt *time.Time `json:"publishAt,omitempty"`
}

func (PublishPostPayload) JobType() JobType { return TypePublishPost }

type PublishPostResult struct {
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
}

func (PublishPostResult) JobType() JobType { return TypePublishPost }

type SendDigestPayload struct {
	Audience string   `json:"audience" validate:"required,oneof=subscribers internal"`
	PostIDs  []string `json:"postIds,omitempty" validate:"max=50,dive,required"`
	Subject  string   `json:"subject,omitempty" validate:"max=200"`
}

func (SendDigestPayload) JobType() JobType { return TypeSendDigest }

type SendDigestResult struct {
	Recipients int    `json:"recipients"`
	MessageID  string `json:"messageId"`
}

func (SendDigestResult) JobType() JobType { return TypeSendDigest }

// DecodePayload decodes raw JSON into the payload variant registered for t.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch t {
	case TypeGeneratePost:
		var p GeneratePostPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypePublishPost:
		var p PublishPostPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeSendDigest:
		var p SendDigestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
}
