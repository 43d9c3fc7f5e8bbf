//go:build integration

package request_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dsrd/internal/request"
	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
	"dsrd/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	db    *sql.DB
	store *request.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.db = containers.StartPostgres(s.T())
	s.store = request.NewPostgres(s.db)
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.db.ExecContext(context.Background(),
		`TRUNCATE privacy_requests CASCADE`)
	s.Require().NoError(err)
}

func newRequest(timeframe time.Duration) *request.PrivacyRequest {
	policy := request.Policy{ID: id.NewPolicyID(), ExecutionTimeframe: timeframe}
	return request.New("ext-123", policy, time.Now().Truncate(time.Microsecond))
}

func (s *PostgresStoreSuite) TestSaveAndFindRoundTrip() {
	ctx := context.Background()
	r := newRequest(45 * 24 * time.Hour)

	s.Require().NoError(s.store.Save(ctx, r))

	got, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.ID, got.ID)
	s.Equal("ext-123", got.ExternalID)
	s.Equal(request.StatusIdentityUnverified, got.Status)
	s.Equal(r.PolicyID, got.PolicyID)
	s.WithinDuration(r.RequestedAt, got.RequestedAt, time.Millisecond)
	s.WithinDuration(r.DueDate, got.DueDate, time.Millisecond)
	s.Nil(got.StartedProcessingAt)
	s.Nil(got.PausedAt)
}

func (s *PostgresStoreSuite) TestZeroDueDateStoredAsNull() {
	ctx := context.Background()
	r := newRequest(0)

	s.Require().NoError(s.store.Save(ctx, r))

	got, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.True(got.DueDate.IsZero())
}

func (s *PostgresStoreSuite) TestDuplicateSaveIsConflict() {
	ctx := context.Background()
	r := newRequest(0)

	s.Require().NoError(s.store.Save(ctx, r))
	s.ErrorIs(s.store.Save(ctx, r), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestUpdatePersistsStatusAndTimestamps() {
	ctx := context.Background()
	r := newRequest(0)
	s.Require().NoError(s.store.Save(ctx, r))

	now := time.Now().Truncate(time.Microsecond)
	r.Status = request.StatusInProcessing
	r.StartedProcessingAt = &now
	s.Require().NoError(s.store.Update(ctx, r))

	got, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(request.StatusInProcessing, got.Status)
	s.Require().NotNil(got.StartedProcessingAt)
	s.WithinDuration(now, *got.StartedProcessingAt, time.Millisecond)

	// Clearing a timestamp must write NULL back, not keep the old value.
	r.Status = request.StatusPaused
	r.PausedAt = &now
	s.Require().NoError(s.store.Update(ctx, r))
	r.Status = request.StatusInProcessing
	r.PausedAt = nil
	s.Require().NoError(s.store.Update(ctx, r))

	got, err = s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Nil(got.PausedAt)
}

func (s *PostgresStoreSuite) TestUpdateUnknownRequestIsNotFound() {
	ctx := context.Background()
	r := newRequest(0)
	s.ErrorIs(s.store.Update(ctx, r), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestListByStatusOrdersByRequestedAt() {
	ctx := context.Background()

	older := newRequest(0)
	older.RequestedAt = time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	newer := newRequest(0)
	other := newRequest(0)
	other.Status = request.StatusComplete

	for _, r := range []*request.PrivacyRequest{newer, older, other} {
		s.Require().NoError(s.store.Save(ctx, r))
	}

	got, err := s.store.ListByStatus(ctx, request.StatusIdentityUnverified)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(older.ID, got[0].ID)
	s.Equal(newer.ID, got[1].ID)
}

func (s *PostgresStoreSuite) TestSaveIdentitiesUpserts() {
	ctx := context.Background()
	r := newRequest(0)
	s.Require().NoError(s.store.Save(ctx, r))

	first := []request.ProvidedIdentity{
		{FieldName: "email", HashedValue: "hash-1", EncryptedValue: []byte("ct-1")},
		{FieldName: "phone_number", HashedValue: "hash-2", EncryptedValue: []byte("ct-2")},
	}
	s.Require().NoError(s.store.SaveIdentities(ctx, r.ID, first))

	// Re-saving the same field replaces, never duplicates.
	second := []request.ProvidedIdentity{
		{FieldName: "email", HashedValue: "hash-1b", EncryptedValue: []byte("ct-1b")},
	}
	s.Require().NoError(s.store.SaveIdentities(ctx, r.ID, second))

	got, err := s.store.ListIdentities(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("email", got[0].FieldName)
	s.Equal("hash-1b", got[0].HashedValue)
	s.Equal([]byte("ct-1b"), got[0].EncryptedValue)
	s.Equal("phone_number", got[1].FieldName)
}

func (s *PostgresStoreSuite) TestCustomFieldsRoundTrip() {
	ctx := context.Background()
	r := newRequest(0)
	s.Require().NoError(s.store.Save(ctx, r))

	fields := []request.CustomField{
		{Label: "account_tier", HashedValue: "h", EncryptedValue: []byte("gold")},
	}
	s.Require().NoError(s.store.SaveCustomFields(ctx, r.ID, fields))

	got, err := s.store.ListCustomFields(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("account_tier", got[0].Label)
	s.Equal([]byte("gold"), got[0].EncryptedValue)
}
