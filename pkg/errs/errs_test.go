package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodedError_IsMatchesOnCode(t *testing.T) {
	err := Wrap(CodeDownloadFailed, "timeout", errors.New("dial tcp: timeout"))
	assert.True(t, errors.Is(err, New(CodeDownloadFailed, "")))
	assert.False(t, errors.Is(err, New(CodeMD5Mismatch, "")))
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeIOError, "writing file", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestMismatchError_Message(t *testing.T) {
	err := &MismatchError{Expected: "aaa", Actual: "bbb"}
	assert.Contains(t, err.Error(), "aaa")
	assert.Contains(t, err.Error(), "bbb")
	assert.Equal(t, CodeMD5Mismatch, err.Code())
}

func TestRollbackError_ComposesBothLevels(t *testing.T) {
	err := &RollbackError{
		InstallErr:      errors.New("deploy failed"),
		Level1Err:       errors.New("previous unhealthy"),
		Level2Attempted: true,
		Level2Err:       errors.New("factory missing"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "deploy failed")
	assert.Contains(t, msg, "previous unhealthy")
	assert.Contains(t, msg, "factory missing")
	assert.Contains(t, msg, "manual intervention required")
}

func TestRollbackError_Level1SuccessOmitsLevel2(t *testing.T) {
	err := &RollbackError{InstallErr: errors.New("deploy failed")}
	msg := err.Error()
	assert.Contains(t, msg, string(CodeRollbackLevel1Success))
	assert.NotContains(t, msg, string(CodeRollbackLevel2Failed))
}
