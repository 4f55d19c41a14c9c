package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func newTestReview(t testing.TB) (*Review, *stubDiscordSession, *Stores) {
	t.Helper()
	cfg := newTestConfig(t)
	session := newStubDiscordSession(t)
	stores := newTestStores(t, cfg)
	return newReview(session, stores.Applications, cfg.Discord, newMetrics(), slog.Default()),
		session,
		stores
}

// newTeacherApplicant registers a guild member with a stored teacher
// application
func newTeacherApplicant(
	t testing.TB,
	session *stubDiscordSession,
	stores *Stores,
) *discordgo.User {
	t.Helper()
	u := newDiscordUser(t)
	session.addMember(u, testPendingRoleID)
	require.NoError(
		t,
		stores.Applications.Upsert(
			context.Background(),
			u.ID,
			ApplicationRecord{Role: RoleTeacher, Name: "Hansen", Age: "anonym", Timestamp: 1},
		),
	)
	return u
}

func TestReview_Approve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, session, stores := newTestReview(t)
	applicant := newTeacherApplicant(t, session, stores)
	admin := newDiscordUser(t)

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			admin,
			encodeCustomID(reviewActionApprove, applicant.ID),
			discordgo.PermissionAdministrator,
		),
	)
	require.True(t, r.HandleComponent(ctx, h))

	resp := h.lastResponse(t)
	assert.Equal(t, fmt.Sprintf(msgReviewApproved, applicant.Username), resp.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Flags)

	assert.True(t, session.roleRemoved(applicant.ID, testPendingRoleID))
	assert.True(t, session.roleAdded(applicant.ID, testMemberRoleID))
	assert.Equal(t, []string{testMemberRoleID}, session.memberRoles(applicant.ID))
	assert.Equal(t, []string{msgApplicationOK}, session.contentsTo(dmChannelID(applicant.ID)))

	// the record is kept
	_, err := LookupRecord(ctx, stores.Applications, applicant.ID)
	require.NoError(t, err)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(r.metrics.reviewDecisions.WithLabelValues(reviewActionApprove, "ok")),
	)
}

func TestReview_UnderscoreCustomIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, session, stores := newTestReview(t)
	approved := newTeacherApplicant(t, session, stores)
	denied := newTeacherApplicant(t, session, stores)

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			newDiscordUser(t),
			"approve_"+approved.ID,
			discordgo.PermissionAdministrator,
		),
	)
	require.True(t, r.HandleComponent(ctx, h))
	assert.Equal(t, fmt.Sprintf(msgReviewApproved, approved.Username), h.lastResponse(t).Content)
	assert.Equal(t, []string{testMemberRoleID}, session.memberRoles(approved.ID))

	h = newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			newDiscordUser(t),
			"deny_"+denied.ID,
			discordgo.PermissionAdministrator,
		),
	)
	require.True(t, r.HandleComponent(ctx, h))
	assert.Contains(t, session.kicked(), denied.ID)
	_, found, err := stores.Applications.Get(ctx, denied.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReview_Deny(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, session, stores := newTestReview(t)
	applicant := newTeacherApplicant(t, session, stores)

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			newDiscordUser(t),
			encodeCustomID(reviewActionDeny, applicant.ID),
			discordgo.PermissionAdministrator|discordgo.PermissionManageRoles,
		),
	)
	require.True(t, r.HandleComponent(ctx, h))

	assert.Equal(t, fmt.Sprintf(msgReviewDenied, applicant.Username), h.lastResponse(t).Content)
	assert.Equal(t, []string{applicant.ID}, session.kicked())
	assert.Equal(t, []string{msgApplicationDeny}, session.contentsTo(dmChannelID(applicant.ID)))

	_, found, err := stores.Applications.Get(ctx, applicant.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReview_DenyKickFailedKeepsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, session, stores := newTestReview(t)
	applicant := newTeacherApplicant(t, session, stores)
	session.kickErr = errors.New("missing permissions")

	h := newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			newDiscordUser(t),
			encodeCustomID(reviewActionDeny, applicant.ID),
			discordgo.PermissionAdministrator,
		),
	)
	require.True(t, r.HandleComponent(ctx, h))
	assert.Equal(
		t,
		fmt.Sprintf(msgReviewKickFailed, applicant.Username),
		h.lastResponse(t).Content,
	)

	_, found, err := stores.Applications.Get(ctx, applicant.ID)
	require.NoError(t, err)
	assert.True(t, found)

	// retrying after the problem is fixed goes through
	session.mu.Lock()
	session.kickErr = nil
	session.mu.Unlock()
	require.True(t, r.HandleComponent(ctx, h))
	assert.Equal(t, fmt.Sprintf(msgReviewDenied, applicant.Username), h.lastResponse(t).Content)
	_, found, err = stores.Applications.Get(ctx, applicant.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReview_RequiresAdministrator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, session, stores := newTestReview(t)
	applicant := newTeacherApplicant(t, session, stores)

	for _, action := range []string{reviewActionApprove, reviewActionDeny} {
		h := newStubInteractionHandler(
			t,
			newComponentInteraction(
				testGuildID,
				newDiscordUser(t),
				encodeCustomID(action, applicant.ID),
				discordgo.PermissionManageRoles|discordgo.PermissionKickMembers,
			),
		)
		require.True(t, r.HandleComponent(ctx, h))
		assert.Equal(t, msgNotPermitted, h.lastResponse(t).Content)
	}

	assert.Empty(t, session.kicked())
	assert.False(t, session.roleAdded(applicant.ID, testMemberRoleID))
	_, found, err := stores.Applications.Get(ctx, applicant.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReview_MemberNotFound(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReview(t)
	h := newStubInteractionHandler(
		t,
		newComponentInteraction(
			testGuildID,
			newDiscordUser(t),
			encodeCustomID(reviewActionApprove, "gone"),
			discordgo.PermissionAdministrator,
		),
	)
	require.True(t, r.HandleComponent(context.Background(), h))
	assert.Equal(t, msgMemberNotFound, h.lastResponse(t).Content)
}

func TestReview_UnknownCustomID(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReview(t)
	for _, customID := range []string{"feedback:123", "approve", "approve:", "nonsense"} {
		h := newStubInteractionHandler(
			t,
			newComponentInteraction(testGuildID, newDiscordUser(t), customID, discordgo.PermissionAdministrator),
		)
		assert.False(t, r.HandleComponent(context.Background(), h), customID)
		assert.Empty(t, h.responses)
	}
}
