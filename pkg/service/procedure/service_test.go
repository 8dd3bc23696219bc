package procedure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvci/issuer-service/pkg/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.NewServiceStorage(storage.Memory)
	require.NoError(t, err)
	service, err := NewProcedureService(db)
	require.NoError(t, err)
	return service
}

func TestCreateAndGetProcedure(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		CredentialID:           "urn:uuid:cred-1",
		DecodedCredential:      `{"vc":{"credentialSubject":{"mandate":{"mandatee":{"email":"a@b.com","first_name":"Ana"}}}}}`,
		OrganizationIdentifier: "org-1",
	})
	require.NoError(t, err)
	proc := created.Procedure
	assert.NotEmpty(t, proc.ID)
	assert.Equal(t, StatusDraft, proc.Status)
	assert.Empty(t, proc.TransactionID)
	assert.Equal(t, proc.CreatedAt, proc.ModifiedAt)

	got, err := service.GetProcedure(ctx, proc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, proc.ID, got.ID)

	byCredential, err := service.GetProcedureByCredentialID(ctx, "urn:uuid:cred-1")
	require.NoError(t, err)
	require.NotNil(t, byCredential)
	assert.Equal(t, proc.ID, byCredential.ID)

	missing, err := service.GetProcedure(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatusTransitions(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		DecodedCredential:      `{}`,
		OrganizationIdentifier: "org-1",
	})
	require.NoError(t, err)
	id := created.Procedure.ID

	updated, err := service.AdvanceStatus(ctx, id, StatusSigned)
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, updated.Status)
	assert.True(t, updated.ModifiedAt.After(created.Procedure.ModifiedAt) || updated.ModifiedAt.Equal(created.Procedure.ModifiedAt))

	t.Run("regression is rejected", func(t *testing.T) {
		_, err := service.AdvanceStatus(ctx, id, StatusDraft)
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	})

	t.Run("repeat is rejected", func(t *testing.T) {
		_, err := service.AdvanceStatus(ctx, id, StatusSigned)
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	})

	t.Run("unknown procedure", func(t *testing.T) {
		_, err := service.AdvanceStatus(ctx, "nope", StatusSigned)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestAttachEncodedCredential(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		DecodedCredential:      `{}`,
		OrganizationIdentifier: "org-1",
	})
	require.NoError(t, err)

	updated, err := service.AttachEncodedCredential(ctx, created.Procedure.ID, "eyJ.signed.vc", StatusSigned)
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, updated.Status)
	assert.Equal(t, "eyJ.signed.vc", updated.EncodedCredential)
}

func TestClaimWindow(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		DecodedCredential:      `{}`,
		OrganizationIdentifier: "org-1",
	})
	require.NoError(t, err)
	id := created.Procedure.ID

	transactionID, err := service.OpenClaimWindow(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, transactionID)

	byTransaction, err := service.GetProcedureByTransactionID(ctx, transactionID)
	require.NoError(t, err)
	require.NotNil(t, byTransaction)
	assert.Equal(t, id, byTransaction.ID)
	assert.Equal(t, StatusDownloaded, byTransaction.Status)

	t.Run("reopening keeps the existing id", func(t *testing.T) {
		again, err := service.OpenClaimWindow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transactionID, again)

		proc, err := service.GetProcedure(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDownloaded, proc.Status)
	})

	t.Run("refresh re-mints the id", func(t *testing.T) {
		refreshed, err := service.RefreshTransactionID(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, transactionID, refreshed)

		stale, err := service.GetProcedureByTransactionID(ctx, transactionID)
		require.NoError(t, err)
		assert.Nil(t, stale)

		current, err := service.GetProcedureByTransactionID(ctx, refreshed)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, id, current.ID)
		transactionID = refreshed
	})

	t.Run("emission closes the window", func(t *testing.T) {
		_, err := service.AttachEncodedCredential(ctx, id, "eyJ.signed.vc", StatusSigned)
		require.NoError(t, err)

		emitted, err := service.EmitProcedure(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusEmitted, emitted.Status)
		assert.Empty(t, emitted.TransactionID)

		gone, err := service.GetProcedureByTransactionID(ctx, transactionID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestListProcedures(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
			Schema:                 "LEARCredentialEmployee",
			Format:                 "jwt_vc",
			DecodedCredential:      `{}`,
			OrganizationIdentifier: "org-1",
		})
		require.NoError(t, err)
		ids = append(ids, created.Procedure.ID)
	}
	otherOrg, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		DecodedCredential:      `{}`,
		OrganizationIdentifier: "org-2",
	})
	require.NoError(t, err)

	// Touch the first procedure so it becomes the most recently modified.
	_, err = service.AdvanceStatus(ctx, ids[0], StatusSigned)
	require.NoError(t, err)

	listed, err := service.ListProcedures(ctx, ListProceduresRequest{OrganizationIdentifier: "org-1"})
	require.NoError(t, err)
	require.Len(t, listed.Procedures, 5)
	assert.Equal(t, ids[0], listed.Procedures[0].ID)
	for _, proc := range listed.Procedures {
		assert.NotEqual(t, otherOrg.Procedure.ID, proc.ID)
	}

	t.Run("status filter", func(t *testing.T) {
		signed, err := service.ListProcedures(ctx, ListProceduresRequest{
			OrganizationIdentifier: "org-1",
			Status:                 StatusSigned,
		})
		require.NoError(t, err)
		require.Len(t, signed.Procedures, 1)
		assert.Equal(t, ids[0], signed.Procedures[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		var seen []string
		pageToken := ""
		for {
			page, err := service.ListProcedures(ctx, ListProceduresRequest{
				OrganizationIdentifier: "org-1",
				PageSize:               2,
				PageToken:              pageToken,
			})
			require.NoError(t, err)
			for _, proc := range page.Procedures {
				seen = append(seen, proc.ID)
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
		assert.ElementsMatch(t, ids, seen)
	})

	t.Run("bad page token", func(t *testing.T) {
		_, err := service.ListProcedures(ctx, ListProceduresRequest{
			OrganizationIdentifier: "org-1",
			PageToken:              "!!not-a-token!!",
		})
		assert.Error(t, err)
	})
}

func TestRecipient(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateProcedure(ctx, CreateProcedureRequest{
		Schema:                 "LEARCredentialEmployee",
		Format:                 "jwt_vc",
		DecodedCredential:      `{"vc":{"credentialSubject":{"mandate":{"mandatee":{"email":"a@b.com","first_name":"Ana"}}}}}`,
		OrganizationIdentifier: "org-1",
	})
	require.NoError(t, err)

	recipient, err := service.Recipient(ctx, created.Procedure.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", recipient.Email)
	assert.Equal(t, "Ana", recipient.Name)

	t.Run("unknown procedure", func(t *testing.T) {
		_, err := service.Recipient(ctx, "nope")
		assert.Error(t, err)
	})
}
