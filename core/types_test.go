package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		Vendor: VendorOpenAI,
		Model:  "gpt-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are helpful."},
			{Role: RoleUser, Content: "What's the latest from NASA today?"},
		},
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr string
	}{
		{
			name:   "valid request passes",
			mutate: func(r *Request) {},
		},
		{
			name:    "empty model rejected",
			mutate:  func(r *Request) { r.Model = "" },
			wantErr: "model",
		},
		{
			name:    "empty messages rejected",
			mutate:  func(r *Request) { r.Messages = nil },
			wantErr: "messages",
		},
		{
			name: "two user messages rejected",
			mutate: func(r *Request) {
				r.Messages = append(r.Messages, Message{Role: RoleUser, Content: "again"})
			},
			wantErr: "exactly one user message",
		},
		{
			name:    "unknown role rejected",
			mutate:  func(r *Request) { r.Messages[0].Role = "tool" },
			wantErr: "unknown role",
		},
		{
			name: "REQUIRED without grounded rejected",
			mutate: func(r *Request) {
				r.GroundingMode = GroundingRequired
				r.Grounded = false
			},
			wantErr: "REQUIRED",
		},
		{
			name: "REQUIRED with grounded passes",
			mutate: func(r *Request) {
				r.GroundingMode = GroundingRequired
				r.Grounded = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEffectiveGroundingMode(t *testing.T) {
	req := validRequest()
	assert.Equal(t, GroundingOff, req.EffectiveGroundingMode())

	req.Grounded = true
	assert.Equal(t, GroundingAuto, req.EffectiveGroundingMode())

	req.GroundingMode = GroundingRequired
	assert.Equal(t, GroundingRequired, req.EffectiveGroundingMode())
}

func TestMessagesDigest(t *testing.T) {
	a := []Message{{Role: RoleUser, Content: "hello"}}
	b := []Message{{Role: RoleUser, Content: "hello"}}
	assert.Equal(t, MessagesDigest(a), MessagesDigest(b))

	// Role/content boundaries must not be confusable.
	c := []Message{{Role: RoleUser, Content: "hel"}, {Role: RoleUser, Content: "lo"}}
	assert.NotEqual(t, MessagesDigest(a), MessagesDigest(c))

	d := []Message{{Role: RoleUser, Content: "hello!"}}
	assert.NotEqual(t, MessagesDigest(a), MessagesDigest(d))
}
