package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAndAck(t *testing.T) {
	req, err := NewRequest("r1", EventPushDocUpdate, PushDocUpdateRequest{
		Space:  Space{SpaceType: SpaceTypeWorkspace, SpaceID: "w1"},
		DocID:  "d1",
		Update: []byte{0x00, 0xff},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","event":"space:push-doc-update","data":{"spaceType":"workspace","spaceId":"w1","docId":"d1","update":"AP8="}}`, string(raw))

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	var push PushDocUpdateRequest
	require.NoError(t, back.Decode(&push))
	assert.Equal(t, []byte{0x00, 0xff}, push.Update)
	assert.Equal(t, "w1", push.SpaceID)

	ack, err := NewAck("r1", PushDocUpdateResponse{Timestamp: 42})
	require.NoError(t, err)
	raw, err = json.Marshal(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ack":"r1","data":{"timestamp":42}}`, string(raw))
}

func TestNotificationHasNoID(t *testing.T) {
	msg, err := NewRequest("", EventDeleteDoc, DeleteDocRequest{DocID: "d1"})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"id"`)
}

func TestErrorAck(t *testing.T) {
	msg := NewErrorAck("r2", ErrorDocNotFound, "doc d1 not found")
	assert.Equal(t, "DOC_NOT_FOUND: doc d1 not found", msg.Error.Error())

	var out LoadDocResponse
	assert.Error(t, msg.Decode(&out))
}
