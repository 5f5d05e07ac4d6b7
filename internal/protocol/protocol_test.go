package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectError bool
		errorMsg    string
		validate    func(t *testing.T, f *Frame)
	}{
		{
			name: "connected frame",
			data: `{"event":"connected","protocol":"Call","version":"1.0.0"}`,
			validate: func(t *testing.T, f *Frame) {
				assert.Equal(t, EventConnected, f.Event)
				assert.Equal(t, "Call", f.Protocol)
			},
		},
		{
			name: "start frame with custom parameters",
			data: `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","accountSid":"AC1","callSid":"CA1",
				"tracks":["inbound"],"customParameters":{"direction":"inbound","from":"+15551234567","language":"Spanish"},
				"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`,
			validate: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Start)
				assert.Equal(t, "MZ1", f.StreamID())
				assert.Equal(t, "CA1", f.Start.CallSid)
				assert.Equal(t, DirectionInbound, f.Start.Direction())
				assert.Equal(t, "+15551234567", f.Start.CorrelationKey())
				assert.Equal(t, "Spanish", f.Start.Language())
				assert.Equal(t, int64(1), f.SequenceNumber.Int64())
				assert.Equal(t, 8000, f.Start.MediaFormat.SampleRate)
			},
		},
		{
			name: "media frame with numeric chunk",
			data: `{"event":"media","sequenceNumber":3,"media":{"track":"inbound","chunk":2,"timestamp":"5","payload":"AAEC"},"streamSid":"MZ1"}`,
			validate: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Media)
				assert.Equal(t, int64(2), f.Media.Chunk.Int64())
				assert.Equal(t, int64(5), f.Media.Timestamp.Int64())
				assert.Equal(t, int64(3), f.SequenceNumber.Int64())
				assert.Equal(t, "AAEC", f.Media.Payload)
			},
		},
		{
			name: "stop frame",
			data: `{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`,
			validate: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Stop)
				assert.Equal(t, "CA1", f.Stop.CallSid)
			},
		},
		{
			name: "mark frame",
			data: `{"event":"mark","streamSid":"MZ1","mark":{"name":"7"}}`,
			validate: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Mark)
				assert.Equal(t, "7", f.Mark.Name)
			},
		},
		{
			name:        "malformed json",
			data:        `{"event":`,
			expectError: true,
			errorMsg:    "invalid frame json",
		},
		{
			name:        "missing event",
			data:        `{"streamSid":"MZ1"}`,
			expectError: true,
			errorMsg:    "frame missing event",
		},
		{
			name:        "start without stream id",
			data:        `{"event":"start","start":{"callSid":"CA1"}}`,
			expectError: true,
			errorMsg:    "missing streamSid",
		},
		{
			name:        "media without payload",
			data:        `{"event":"media","media":{"chunk":"1"}}`,
			expectError: true,
			errorMsg:    "empty payload",
		},
		{
			name:        "empty input",
			data:        ``,
			expectError: true,
			errorMsg:    "empty frame",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.data))
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			tt.validate(t, frame)
		})
	}
}

func TestParseFrameUnknownEventReturnsFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"event":"dtmf","streamSid":"MZ1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
	require.NotNil(t, frame)
	assert.Equal(t, "dtmf", frame.Event)
}

func TestStartParamIgnoresNonStringValues(t *testing.T) {
	start := &Start{CustomParameters: map[string]any{"from": 15551234567.0, "direction": " OUTBOUND "}}
	assert.Equal(t, "", start.CorrelationKey())
	assert.Equal(t, DirectionOutbound, start.Direction())

	var nilStart *Start
	assert.Equal(t, "", nilStart.Param("from"))
}

func TestDirection(t *testing.T) {
	assert.True(t, DirectionInbound.Valid())
	assert.True(t, DirectionOutbound.Valid())
	assert.False(t, Direction("both").Valid())

	assert.Equal(t, DirectionOutbound, DirectionInbound.Opposite())
	assert.Equal(t, DirectionInbound, DirectionOutbound.Opposite())

	assert.Equal(t, "caller", DirectionInbound.LegName())
	assert.Equal(t, "agent", DirectionOutbound.LegName())
}

func TestEncodeMedia(t *testing.T) {
	data, err := EncodeMedia("MZ9", "AAEC")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ9","media":{"payload":"AAEC"}}`, string(data))

	_, err = EncodeMedia("", "AAEC")
	assert.Error(t, err)
}

func TestEncodeMark(t *testing.T) {
	data, err := EncodeMark("MZ9", "3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"mark","streamSid":"MZ9","mark":{"name":"3"}}`, string(data))
}

func TestConcatPayloads(t *testing.T) {
	a := []byte{0x00, 0x01, 0x02}
	b := []byte{0xff, 0xfe}

	t.Run("single payload is forwarded byte-identical", func(t *testing.T) {
		in := base64.StdEncoding.EncodeToString(a)
		out, err := ConcatPayloads([]string{in})
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("multiple payloads are joined in order", func(t *testing.T) {
		out, err := ConcatPayloads([]string{
			base64.StdEncoding.EncodeToString(a),
			base64.StdEncoding.EncodeToString(b),
		})
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(out)
		require.NoError(t, err)
		assert.Equal(t, append(append([]byte{}, a...), b...), raw)
	})

	t.Run("invalid base64 is rejected", func(t *testing.T) {
		_, err := ConcatPayloads([]string{"AAEC", "!!not-base64!!"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payload 1")
	})
}

func TestFlexStringNull(t *testing.T) {
	var m Media
	require.NoError(t, json.Unmarshal([]byte(`{"chunk":null,"timestamp":"x","payload":"AA=="}`), &m))
	assert.Equal(t, FlexString(""), m.Chunk)
	assert.Equal(t, int64(0), m.Timestamp.Int64())
}
