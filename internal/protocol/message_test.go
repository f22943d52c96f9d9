package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Run("assigns unique ids and timestamps", func(t *testing.T) {
		m1, err := NewMessage(TypeHeartbeat, &HeartbeatPayload{RobotID: "r-1"})
		require.NoError(t, err)
		m2, err := NewMessage(TypeHeartbeat, &HeartbeatPayload{RobotID: "r-1"})
		require.NoError(t, err)

		assert.NotEmpty(t, m1.ID)
		assert.NotEqual(t, m1.ID, m2.ID)
		assert.NotZero(t, m1.Timestamp)
		assert.Empty(t, m1.CorrelationID)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := NewMessage(MessageType("BOGUS"), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("validates required payload fields", func(t *testing.T) {
		_, err := NewMessage(TypeRegister, &RegisterPayload{RobotName: "bot"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Contains(t, err.Error(), "robot_id")

		_, err = NewMessage(TypeRegister, &RegisterPayload{
			RobotID:           "r-1",
			RobotName:         "bot",
			MaxConcurrentJobs: 0,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurrent_jobs")
	})

	t.Run("rejects nil payload for payload-carrying types", func(t *testing.T) {
		_, err := NewMessage(TypeJobAssign, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPayload)

		// Payload-free types still build without one.
		_, err = NewMessage(TypeRegisterAck, nil)
		require.NoError(t, err)
	})
}

func TestNewReply(t *testing.T) {
	req, err := NewMessage(TypeJobAssign, &JobAssignPayload{
		JobID:       "j-1",
		WorkflowRef: "wf://invoices/v3",
	})
	require.NoError(t, err)

	reply, err := NewReply(req, TypeJobAccept, &JobAcceptPayload{
		JobID:   "j-1",
		RobotID: "r-1",
	})
	require.NoError(t, err)

	assert.Equal(t, req.ID, reply.CorrelationID)
	assert.NotEqual(t, req.ID, reply.ID)
	assert.True(t, reply.IsReply())
	assert.False(t, req.IsReply())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeJobComplete, &JobCompletePayload{
		JobID:      "j-1",
		RobotID:    "r-1",
		Result:     json.RawMessage(`{"rows":42}`),
		DurationMS: 1500,
	})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Timestamp, decoded.Timestamp)

	var payload JobCompletePayload
	require.NoError(t, decoded.ParsePayload(&payload))
	assert.Equal(t, "j-1", payload.JobID)
	assert.Equal(t, int64(1500), payload.DurationMS)
	assert.JSONEq(t, `{"rows":42}`, string(payload.Result))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "not json",
			data: `{{{`,
		},
		{
			name: "missing id",
			data: `{"type":"HEARTBEAT","timestamp":1,"payload":{"robot_id":"r-1"}}`,
		},
		{
			name: "unknown type",
			data: `{"id":"m-1","type":"TELEPORT","timestamp":1}`,
		},
		{
			name: "missing required payload",
			data: `{"id":"m-1","type":"REGISTER","timestamp":1}`,
		},
		{
			name: "payload missing required field",
			data: `{"id":"m-1","type":"JOB_FAILED","timestamp":1,"payload":{"job_id":"j-1","robot_id":"r-1"}}`,
		},
		{
			name: "payload wrong shape",
			data: `{"id":"m-1","type":"HEARTBEAT","timestamp":1,"payload":"nope"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecode_PayloadFreeTypes(t *testing.T) {
	ack, err := NewMessage(TypeHeartbeatAck, nil)
	require.NoError(t, err)

	data, err := Encode(ack)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeatAck, decoded.Type)
	assert.Empty(t, decoded.Payload)
}
