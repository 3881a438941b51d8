package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsvc/internal/common"
	"authsvc/internal/crypto"
	"authsvc/internal/model"
)

func testManager(t *testing.T) (*Manager, *MemStore) {
	t.Helper()
	store := NewMemStore()
	return NewManager(store, 5*time.Minute, time.Minute), store
}

func emailKey(purpose Purpose) Key {
	return Key{Channel: model.ChannelEmail, Address: "a@b.com", Purpose: purpose}
}

func TestIssueThenReuse(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	first, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Code, "fresh issuance must return the code")
	assert.Equal(t, "a@***om", first.ObfuscatedAddress)

	second, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)
	assert.Empty(t, second.Code, "reuse must not rotate or re-deliver the code")
	assert.Equal(t, first.ObfuscatedAddress, second.ObfuscatedAddress)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
}

func TestIssueRejectsUndeliverableChannel(t *testing.T) {
	mgr, _ := testManager(t)
	for _, channel := range []model.Channel{model.ChannelUsername, model.ChannelFacebook} {
		_, err := mgr.Issue(context.Background(), "acct-1", Key{Channel: channel, Address: "x", Purpose: PurposeVerify})
		assert.ErrorIs(t, err, common.ErrInvalidChannel)
	}
}

func TestVerifyConsumesExactlyOnce(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	status, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)

	res, err := mgr.Verify(ctx, key, status.Code, false)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", res.Record.AccountID)
	assert.Nil(t, res.Extended)

	_, err = mgr.Verify(ctx, key, status.Code, false)
	assert.ErrorIs(t, err, common.ErrOTPConsumed)
}

func TestVerifyWrongCode(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	status, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)

	_, err = mgr.Verify(ctx, key, "000000", false)
	if status.Code == "000000" {
		t.Skip("generated code collided with the probe value")
	}
	assert.ErrorIs(t, err, common.ErrOTPMismatch)

	// The mismatch must not burn the real code.
	_, err = mgr.Verify(ctx, key, status.Code, false)
	assert.NoError(t, err)
}

func TestVerifyAbsent(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Verify(context.Background(), emailKey(PurposeVerify), "123456", false)
	assert.ErrorIs(t, err, common.ErrOTPNotFound)
}

func TestVerifyExpired(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	issued := time.Now().UTC().Add(-time.Hour)
	_, _, err := store.PutIfAbsent(ctx, key, Record{
		AccountID: "acct-1",
		CodeHash:  crypto.HashToken("123456"),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	_, err = mgr.Verify(ctx, key, "123456", false)
	assert.ErrorIs(t, err, common.ErrOTPExpired)
}

func TestVerifyWithinClockSkew(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	// Expired thirty seconds ago, inside the one minute grace.
	now := time.Now().UTC()
	_, _, err := store.PutIfAbsent(ctx, key, Record{
		AccountID: "acct-1",
		CodeHash:  crypto.HashToken("123456"),
		IssuedAt:  now.Add(-5 * time.Minute),
		ExpiresAt: now.Add(-30 * time.Second),
	})
	require.NoError(t, err)

	_, err = mgr.Verify(ctx, key, "123456", false)
	assert.NoError(t, err)
}

func TestVerifyExtendIssuesReplacement(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	status, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)

	res, err := mgr.Verify(ctx, key, status.Code, true)
	require.NoError(t, err)
	require.NotNil(t, res.Extended)
	assert.NotEmpty(t, res.Extended.Code)
	assert.NotEqual(t, status.Code, res.Extended.Code)
	assert.True(t, res.Extended.ExpiresAt.After(status.ExpiresAt.Add(-time.Second)))

	// The old code is gone; the replacement verifies.
	_, err = mgr.Verify(ctx, key, status.Code, false)
	assert.Error(t, err)
	_, err = mgr.Verify(ctx, key, res.Extended.Code, false)
	assert.NoError(t, err)
}

func TestVerifyExtendRejectedForReset(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Verify(context.Background(), emailKey(PurposeReset), "123456", true)
	ve, ok := common.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.Equal(t, "extend_not_allowed", ve.Code)
}

func TestInvalidateDropsBothPurposes(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	verify, err := mgr.Issue(ctx, "acct-1", emailKey(PurposeVerify))
	require.NoError(t, err)
	reset, err := mgr.Issue(ctx, "acct-1", emailKey(PurposeReset))
	require.NoError(t, err)

	require.NoError(t, mgr.Invalidate(ctx, model.ChannelEmail, "a@b.com"))

	_, err = mgr.Verify(ctx, emailKey(PurposeVerify), verify.Code, false)
	assert.ErrorIs(t, err, common.ErrOTPNotFound)
	_, err = mgr.Verify(ctx, emailKey(PurposeReset), reset.Code, false)
	assert.ErrorIs(t, err, common.ErrOTPNotFound)
}

func TestConcurrentIssueKeepsOneActive(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	const workers = 16
	codes := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := mgr.Issue(ctx, "acct-1", key)
			if err != nil {
				t.Error(err)
				return
			}
			codes[i] = status.Code
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, code := range codes {
		if code != "" {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one issuance may generate a code")
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	key := emailKey(PurposeVerify)

	status, err := mgr.Issue(ctx, "acct-1", key)
	require.NoError(t, err)

	const workers = 16
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = mgr.Verify(ctx, key, status.Code, false)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, common.ErrOTPConsumed)
	}
	assert.Equal(t, 1, wins, "at-most-once consumption")
}
