package upstream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameEvent_RawBytes(t *testing.T) {
	ev, err := DecodeFrameEvent(RawFrameEvent{Serial: "cam-1", Buffer: []byte{0x01, 0x02, 0x03}})
	require.NoError(t, err)
	assert.Equal(t, "cam-1", ev.Serial)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, ev.Buffer)
}

func TestDecodeFrameEvent_Base64String(t *testing.T) {
	// base64("abc") == "YWJj"
	ev, err := DecodeFrameEvent(RawFrameEvent{Serial: "cam-1", Buffer: "YWJj"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), ev.Buffer)
}

func TestDecodeFrameEvent_MissingSerial(t *testing.T) {
	_, err := DecodeFrameEvent(RawFrameEvent{Buffer: []byte{0x01}})
	assert.Error(t, err)
}

func TestDecodeFrameEvent_InvalidBase64(t *testing.T) {
	_, err := DecodeFrameEvent(RawFrameEvent{Serial: "cam-1", Buffer: "not-valid-base64!!"})
	assert.Error(t, err)
}

func TestDecodeFrameEvent_UnsupportedType(t *testing.T) {
	_, err := DecodeFrameEvent(RawFrameEvent{Serial: "cam-1", Buffer: 42})
	assert.Error(t, err)
}

func TestDecodeFrameEvent_CarriesMetadata(t *testing.T) {
	meta := &Metadata{Codec: "h264", FPS: 30, Width: 1920, Height: 1080}
	ev, err := DecodeFrameEvent(RawFrameEvent{Serial: "cam-1", Buffer: []byte{0x01}, Metadata: meta})
	require.NoError(t, err)
	assert.Same(t, meta, ev.Metadata)
}

func TestIsBenignStopError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"spaced form", fmt.Errorf("livestream not running"), true},
		{"underscore form", fmt.Errorf("livestream_not_running"), true},
		{"bare form", fmt.Errorf("camera not running"), true},
		{"uppercase", fmt.Errorf("LIVESTREAM NOT RUNNING"), true},
		{"unrelated error", fmt.Errorf("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBenignStopError(tt.err))
		})
	}
}
