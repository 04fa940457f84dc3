package events

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeClass(t *testing.T) {
	tests := []struct {
		eventType EventType
		class     Class
	}{
		{FsCreated, ClassFilesystem},
		{FsPermissionChanged, ClassFilesystem},
		{ProcessStarted, ClassProcess},
		{SystemCPUUsageHigh, ClassSystem},
		{NetworkInterfaceDown, ClassNetwork},
		{PowerBatteryLow, ClassPower},
		{EventType("bogus"), Class("")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, tt.eventType.Class(), "type %s", tt.eventType)
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{
		ID:    "e1",
		Class: ClassFilesystem,
		Type:  FsCreated,
		Payload: Payload{FS: &FsEvent{
			Type: FsCreated,
			Path: "/tmp/x",
		}},
	}
	assert.NoError(t, valid.Validate())

	missingType := valid
	missingType.Type = ""
	assert.Error(t, missingType.Validate())

	wrongClass := valid
	wrongClass.Class = ClassProcess
	assert.Error(t, wrongClass.Validate())

	noPayload := valid
	noPayload.Payload = Payload{}
	assert.Error(t, noPayload.Validate())

	twoPayloads := valid
	twoPayloads.Payload.Process = &ProcessEvent{Type: ProcessStarted}
	assert.Error(t, twoPayloads.Validate())
}

func TestIoErrorUnwrap(t *testing.T) {
	err := &IoError{Op: "watch", Path: "/absent", Err: fs.ErrNotExist}
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "/absent")
}

func TestSourceInitErrorUnwrap(t *testing.T) {
	inner := errors.New("inotify limit reached")
	err := &SourceInitError{Source: "filesystem", Err: inner}
	assert.ErrorIs(t, err, inner)

	var initErr *SourceInitError
	require.ErrorAs(t, error(err), &initErr)
	assert.Equal(t, "filesystem", initErr.Source)
}

func TestCallbackErrorMessage(t *testing.T) {
	err := &CallbackError{SubscriptionID: "sub-1", EventID: "ev-9", Recovered: "boom"}
	assert.Contains(t, err.Error(), "sub-1")
	assert.Contains(t, err.Error(), "ev-9")
	assert.Contains(t, err.Error(), "boom")
}
