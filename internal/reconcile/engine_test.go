package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/adblocker/internal/blocking"
	"github.com/isometry/adblocker/internal/ldap"
	"github.com/isometry/adblocker/internal/metrics"
	"github.com/isometry/adblocker/internal/workflow"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func filetime(t time.Time) []byte { return []byte(ldap.FormatFileTime(&t)) }

type harness struct {
	api      *fakeAPI
	dir      *memClient
	reporter *fakeReporter
	metrics  *fakeMetrics
	engine   *Engine
}

func newHarness(t *testing.T, dir *memClient, cfg blocking.Config, api *fakeAPI) *harness {
	t.Helper()

	var extra []string
	if cfg.AttributeBased() {
		extra = []string{cfg.UpdateField}
	}
	directory, err := ldap.NewDirectory(context.Background(), dir, ldap.DirectoryConfig{BaseDN: testBaseDN, Attributes: extra}, nil)
	require.NoError(t, err)

	h := &harness{api: api, dir: dir, reporter: &fakeReporter{}, metrics: newFakeMetrics()}
	strategy := blocking.New(cfg, directory, blocking.WithClock(func() time.Time { return testNow }))
	h.engine = NewEngine(api, directory, strategy,
		WithReporter(h.reporter),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return testNow }))
	return h
}

func attributeConfig() blocking.Config {
	return blocking.Config{UpdateField: "extensionAttribute1", EnableValue: "ENABLED", DisableValue: "DISABLED"}
}

func TestRun_StageOrder(t *testing.T) {
	api := &fakeAPI{
		usersToBlock:  []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}},
		blockedLogins: []workflow.BlockedLoginRequest{{ID: workflow.ID(`2`), AdUserName: "jdoe", Password: "pw"}},
		unblocks:      []workflow.UnblockRequest{{ID: workflow.ID(`3`), AdUserName: "jdoe"}},
	}
	h := newHarness(t, newMemClient().addUser("jdoe", "pw", nil), blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET userstoblock", "POST block",
		"GET blockedloginrequests", "PUT blockedloginrequests",
		"GET unblockuserrequests", "PUT unblockuserrequests",
		"POST taskruntime",
	}, api.calls)

	assert.Equal(t, "expiration", summary.Strategy)
	assert.Equal(t, 3, summary.Processed())
	assert.Zero(t, summary.Failed())
	assert.Empty(t, summary.Aborted())
	assert.Equal(t, testNow, h.metrics.lastSuccess)
}

func TestRun_BlockThenUnblockAcrossCycles(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", nil)
	oid := workflow.ID(`"9b2f"`)

	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{{Oid: oid, AdUserName: `CORP\jdoe`}}}
	h := newHarness(t, dir, blocking.Config{}, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.blockResults, 1)
	assert.Equal(t, workflow.BlockResult{Oid: oid, Success: true}, api.blockResults[0])
	assert.Equal(t, ptr(testNow.AddDate(-1, 0, 0)), dir.expiration("jdoe"))

	api = &fakeAPI{unblocks: []workflow.UnblockRequest{{ID: workflow.ID(`5`), AdUserName: `CORP\jdoe`}}}
	h = newHarness(t, dir, blocking.Config{}, api)

	_, err = h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.unblockResults, 1)
	assert.Equal(t, workflow.RequestResult{ID: workflow.ID(`5`), Success: true}, api.unblockResults[0])
	assert.Nil(t, dir.expiration("jdoe"))
	assert.Equal(t, ldap.AccountNeverExpires, dir.value("jdoe", "accountExpires"))
}

func TestRun_BlockReportsOriginalExpiration(t *testing.T) {
	original := testNow.AddDate(0, 6, 0)
	dir := newMemClient().addUser("jdoe", "pw", map[string][]byte{"accountExpires": filetime(original)})
	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}}}
	h := newHarness(t, dir, blocking.Config{}, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.blockResults, 1)
	assert.True(t, api.blockResults[0].Success)
	assert.Equal(t, original, api.blockResults[0].AccountExpirationDate.Time)
}

func TestRun_AlreadyBlockedIsSkipped(t *testing.T) {
	blockedAt := testNow.AddDate(0, -1, 0)
	dir := newMemClient().addUser("jdoe", "pw", map[string][]byte{"accountExpires": filetime(blockedAt)})
	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}}}
	h := newHarness(t, dir, blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.blockResults, 1)
	assert.Equal(t, workflow.BlockResult{Oid: workflow.ID(`1`), Success: true}, api.blockResults[0])
	assert.Empty(t, dir.modifies)
	assert.Equal(t, ptr(blockedAt), dir.expiration("jdoe"))

	stage, ok := summary.Stage(StageBlock)
	require.True(t, ok)
	assert.Equal(t, 1, stage.Skipped)
	assert.Equal(t, 1, h.metrics.items["block/"+metrics.OutcomeSkipped])
}

func TestRun_ValidateAttributeBasedRestores(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "s3cret", map[string][]byte{"extensionAttribute1": []byte("DISABLED")})
	var during string
	dir.onAuthenticate = func() { during = dir.value("jdoe", "extensionAttribute1") }

	api := &fakeAPI{blockedLogins: []workflow.BlockedLoginRequest{{ID: workflow.ID(`7`), AdUserName: `CORP\jdoe`, Password: "s3cret"}}}
	h := newHarness(t, dir, attributeConfig(), api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ENABLED", during)
	assert.Equal(t, "DISABLED", dir.value("jdoe", "extensionAttribute1"))
	require.Len(t, api.loginResults, 1)
	assert.Equal(t, workflow.RequestResult{ID: workflow.ID(`7`), Success: true}, api.loginResults[0])
	assert.Len(t, dir.modifies, 2)
}

func TestRun_ValidateInvalidCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  blocking.Config
		attr map[string][]byte
	}{
		{name: "expiration", cfg: blocking.Config{}, attr: map[string][]byte{"accountExpires": filetime(testNow.AddDate(-1, 0, 0))}},
		{name: "attribute", cfg: attributeConfig(), attr: map[string][]byte{"extensionAttribute1": []byte("DISABLED")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newMemClient().addUser("jdoe", "s3cret", tt.attr)
			before := dir.value("jdoe", "accountExpires") + dir.value("jdoe", "extensionAttribute1")

			api := &fakeAPI{blockedLogins: []workflow.BlockedLoginRequest{{ID: workflow.ID(`7`), AdUserName: "jdoe", Password: "wrong"}}}
			h := newHarness(t, dir, tt.cfg, api)

			_, err := h.engine.Run(context.Background())
			require.NoError(t, err)

			require.Len(t, api.loginResults, 1)
			assert.Equal(t, workflow.RequestResult{ID: workflow.ID(`7`), Message: MessageInvalidCredentials}, api.loginResults[0])
			assert.Equal(t, before, dir.value("jdoe", "accountExpires")+dir.value("jdoe", "extensionAttribute1"))
			assert.Empty(t, h.reporter.errs)
		})
	}
}

func TestRun_ValidateByDistinguishedName(t *testing.T) {
	blocked := testNow.AddDate(-1, 0, 0)
	dir := newMemClient().addUser("jdoe", "s3cret", map[string][]byte{"accountExpires": filetime(blocked)})
	api := &fakeAPI{blockedLogins: []workflow.BlockedLoginRequest{
		{ID: workflow.ID(`9`), AdUserName: "CN=jdoe,OU=Users," + testBaseDN, Password: "s3cret"},
	}}
	h := newHarness(t, dir, blocking.Config{}, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.loginResults, 1)
	assert.Equal(t, workflow.RequestResult{ID: workflow.ID(`9`), Success: true}, api.loginResults[0])
	assert.Equal(t, &blocked, dir.expiration("jdoe"))
}

func TestRun_UserNotFound(t *testing.T) {
	dir := newMemClient()
	api := &fakeAPI{
		usersToBlock:  []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "ghost"}},
		blockedLogins: []workflow.BlockedLoginRequest{{ID: workflow.ID(`2`), AdUserName: "ghost", Password: "pw"}},
		unblocks:      []workflow.UnblockRequest{{ID: workflow.ID(`3`), AdUserName: "ghost"}},
	}
	h := newHarness(t, dir, blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []workflow.BlockResult{{Oid: workflow.ID(`1`), Message: MessageUserNotFound}}, api.blockResults)
	assert.Equal(t, []workflow.RequestResult{{ID: workflow.ID(`2`), Message: MessageUserNotFound}}, api.loginResults)
	assert.Equal(t, []workflow.RequestResult{{ID: workflow.ID(`3`), Message: MessageUserNotFound}}, api.unblockResults)
	assert.Empty(t, dir.modifies)
	assert.Empty(t, h.reporter.errs, "a missing user is not an incident")
	assert.Equal(t, 3, summary.Failed())
}

func TestRun_AttributeUnavailable(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", nil)
	cfg := blocking.Config{UpdateField: "notInSchema", EnableValue: "1", DisableValue: "0"}
	api := &fakeAPI{
		usersToBlock: []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}},
		unblocks:     []workflow.UnblockRequest{{ID: workflow.ID(`3`), AdUserName: "jdoe"}},
	}
	h := newHarness(t, dir, cfg, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []workflow.BlockResult{{Oid: workflow.ID(`1`), Message: MessageOperationFailed}}, api.blockResults)
	assert.Equal(t, []workflow.RequestResult{{ID: workflow.ID(`3`), Message: MessageOperationFailed}}, api.unblockResults)
	assert.Empty(t, dir.modifies)
	require.Len(t, h.reporter.errs, 2)
	assert.ErrorIs(t, h.reporter.errs[0], ldap.ErrAttributeUnavailable)
}

func TestRun_LogonHoursBlock(t *testing.T) {
	open := make([]byte, 21)
	for i := range open {
		open[i] = 0xff
	}
	dir := newMemClient().addUser("jdoe", "pw", map[string][]byte{"logonHours": open})
	cfg := blocking.Config{
		UpdateField:  "logonHours",
		EnableValue:  "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF",
		DisableValue: "000000000000000000000000000000000000000000",
	}
	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}}}
	h := newHarness(t, dir, cfg, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, string(make([]byte, 21)), dir.value("jdoe", "logonHours"))
	assert.True(t, api.blockResults[0].Success)
}

func TestRun_WriteFailureContinues(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", nil).addUser("asmith", "pw", nil)
	dir.modifyErr = errors.New("insufficient access rights")
	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{
		{Oid: workflow.ID(`1`), AdUserName: "jdoe"},
		{Oid: workflow.ID(`2`), AdUserName: "asmith"},
	}}
	h := newHarness(t, dir, blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.blockResults, 2)
	for _, r := range api.blockResults {
		assert.False(t, r.Success)
		assert.Contains(t, r.Message, "insufficient access rights")
	}
	assert.Len(t, h.reporter.errs, 2)
	assert.Equal(t, 2, summary.Failed())
}

func TestRun_ListFailureAbortsOnlyThatStage(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", map[string][]byte{"accountExpires": filetime(testNow.AddDate(-1, 0, 0))})
	listErr := &workflow.APIError{Method: "GET", Path: "api/blockedloginrequests", StatusCode: 503}
	api := &fakeAPI{
		listErr:  map[string]error{StageValidate: listErr},
		unblocks: []workflow.UnblockRequest{{ID: workflow.ID(`3`), AdUserName: "jdoe"}},
	}
	h := newHarness(t, dir, blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{StageValidate}, summary.Aborted())
	assert.Len(t, api.unblockResults, 1)
	assert.Contains(t, api.calls, "POST taskruntime")
	require.Len(t, h.reporter.errs, 1)
	assert.ErrorIs(t, h.reporter.errs[0], listErr)
	assert.Equal(t, []string{StageValidate}, h.reporter.tags[0])
	assert.ErrorIs(t, h.metrics.stages[StageValidate], listErr)
}

func TestRun_ReportDeliveryFailure(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", nil).addUser("asmith", "pw", nil)
	api := &fakeAPI{
		usersToBlock: []workflow.BlockRequest{
			{Oid: workflow.ID(`1`), AdUserName: "jdoe"},
			{Oid: workflow.ID(`2`), AdUserName: "asmith"},
		},
		reportErr: map[string]error{StageBlock: errors.New("connection reset")},
	}
	h := newHarness(t, dir, blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	stage, _ := summary.Stage(StageBlock)
	assert.Equal(t, 2, stage.Processed)
	assert.Equal(t, 2, stage.Failed)
	assert.Len(t, h.reporter.errs, 2)
	assert.ErrorContains(t, h.reporter.errs[0], "failed to report block result for jdoe")
}

func TestRun_HeartbeatFailure(t *testing.T) {
	api := &fakeAPI{heartbeatErr: errors.New("gateway timeout")}
	h := newHarness(t, newMemClient(), blocking.Config{}, api)

	summary, err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.heartbeatErr)
	assert.Equal(t, err, summary.HeartbeatErr)
	assert.True(t, h.metrics.lastSuccess.IsZero())
	assert.Len(t, h.reporter.errs, 1)
}

func TestRun_UnblockRestoresRequestedDate(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", map[string][]byte{"accountExpires": filetime(testNow.AddDate(-1, 0, 0))})
	requested := testNow.AddDate(0, 2, 0)
	api := &fakeAPI{unblocks: []workflow.UnblockRequest{{
		ID:                    workflow.ID(`3`),
		AdUserName:            "jdoe",
		AccountExpirationDate: workflow.NewTimestamp(&requested),
	}}}
	h := newHarness(t, dir, blocking.Config{}, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ptr(requested), dir.expiration("jdoe"))
	assert.True(t, api.unblockResults[0].Success)
}

func TestRun_UnblockTwiceIsNoop(t *testing.T) {
	dir := newMemClient().addUser("jdoe", "pw", nil)
	api := &fakeAPI{unblocks: []workflow.UnblockRequest{
		{ID: workflow.ID(`1`), AdUserName: "jdoe"},
		{ID: workflow.ID(`2`), AdUserName: "jdoe"},
	}}
	h := newHarness(t, dir, blocking.Config{}, api)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, dir.modifies)
	require.Len(t, api.unblockResults, 2)
	assert.True(t, api.unblockResults[0].Success)
	assert.True(t, api.unblockResults[1].Success)
}

func TestRun_CancelledContext(t *testing.T) {
	api := &fakeAPI{usersToBlock: []workflow.BlockRequest{{Oid: workflow.ID(`1`), AdUserName: "jdoe"}}}
	h := newHarness(t, newMemClient().addUser("jdoe", "pw", nil), blocking.Config{}, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, _ := h.engine.Run(ctx)
	assert.Empty(t, api.blockResults)
	assert.Equal(t, []string{StageBlock}, summary.Aborted())
	assert.ErrorIs(t, summary.Stages[0].Err, context.Canceled)
}
