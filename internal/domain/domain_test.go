package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Identity Tests
// =============================================================================

func TestIdentity_Validate(t *testing.T) {
	assert.NoError(t, Identity{Handle: 9999, DisplayName: "admin"}.Validate())
	assert.ErrorIs(t, Identity{Handle: 0}.Validate(), ErrInvalidHandle)
	assert.ErrorIs(t, Identity{Handle: -3}.Validate(), ErrInvalidHandle)
}

func TestIdentity_ClientIDRoundTrip(t *testing.T) {
	id := Identity{Handle: 2001}
	assert.Equal(t, "2001", id.ClientID())

	handle, ok := ParseClientID(id.ClientID())
	require.True(t, ok)
	assert.Equal(t, int64(2001), handle)
}

func TestParseClientID_RejectsUnattributable(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
	}{
		{"empty", ""},
		{"alpha", "alice"},
		{"zero", "0"},
		{"negative", "-12"},
		{"mixed", "12abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseClientID(tt.clientID)
			assert.False(t, ok)
		})
	}
}

// =============================================================================
// Publisher / Applicant Tests
// =============================================================================

func TestAdminUser_ActivePublishersKeepsOrder(t *testing.T) {
	admin := AdminUser{
		Identity: Identity{Handle: 9999},
		Publishers: []Publisher{
			{ID: 1, Handle: 1001, Name: "Li", IsActive: true},
			{ID: 2, Handle: 1002, Name: "Wang", IsActive: false},
			{ID: 3, Handle: 1003, Name: "Zhang", IsActive: true},
		},
	}

	active := admin.ActivePublishers()
	require.Len(t, active, 2)
	assert.Equal(t, int64(1), active[0].ID)
	assert.Equal(t, int64(3), active[1].ID)

	p, ok := admin.FindPublisher(2)
	assert.True(t, ok)
	assert.Equal(t, "Wang", p.Name)

	_, ok = admin.FindPublisher(42)
	assert.False(t, ok)
}

func TestApplicant_Validate(t *testing.T) {
	valid := Applicant{ID: 1, Handle: 2001, PublisherID: 1, Status: ApplicantStatusInterviewing}
	assert.NoError(t, valid.Validate())

	noPublisher := valid
	noPublisher.PublisherID = 0
	assert.ErrorIs(t, noPublisher.Validate(), ErrInvalidApplicant)

	badStatus := valid
	badStatus.Status = "ghosted"
	assert.ErrorIs(t, badStatus.Validate(), ErrInvalidApplicant)
}

func TestApplicant_SessionChatIDFallsBackToID(t *testing.T) {
	assert.Equal(t, int64(101), Applicant{ID: 1, ChatID: 101}.SessionChatID())
	assert.Equal(t, int64(7), Applicant{ID: 7}.SessionChatID())
}

func TestApplicantStatus_Values(t *testing.T) {
	for _, s := range []ApplicantStatus{ApplicantStatusPending, ApplicantStatusInterviewing, ApplicantStatusRejected, ApplicantStatusHired} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ApplicantStatus("").Valid())
}

// =============================================================================
// Error Type Tests
// =============================================================================

func TestConnectionError_Unwraps(t *testing.T) {
	cause := errors.New("token endpoint down")
	err := fmt.Errorf("initialize: %w", &ConnectionError{Op: "auth", Err: cause})

	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "auth")
}

func TestDecodeError_Unwraps(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &DecodeError{Topic: "chat:mailbox:1", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.False(t, IsConnectionError(err))
	assert.Contains(t, err.Error(), "chat:mailbox:1")
}
