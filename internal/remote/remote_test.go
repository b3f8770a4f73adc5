package remote

import (
	"context"
	"testing"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/store"

	"github.com/stretchr/testify/assert"
)

func TestDisabledFailsAsUnavailable(t *testing.T) {
	ctx := context.Background()
	var commits CommitStore = Disabled{}
	history := Disabled{}.History()

	_, err := commits.ExistsByIDAndUser(ctx, "id", "user")
	assert.ErrorIs(t, err, errclass.ErrUnavailable)
	assert.ErrorIs(t, commits.WriteCommit(ctx, store.Commit{}, "user"), errclass.ErrUnavailable)
	_, err = commits.QueryAllByUser(ctx, "user")
	assert.Equal(t, errclass.LocalFallback, errclass.Classify(err))

	_, err = history.WriteRecord(ctx, "user", store.HistoryDraft{})
	assert.ErrorIs(t, err, errclass.ErrUnavailable)
	assert.ErrorIs(t, history.DeleteByID(ctx, "user", "id"), errclass.ErrUnavailable)
}

func TestIsDisabled(t *testing.T) {
	assert.True(t, IsDisabled(nil))
	assert.True(t, IsDisabled(Disabled{}))
	assert.True(t, IsDisabled(Disabled{}.History()))
	assert.False(t, IsDisabled(struct{}{}))
}
