package messagepipeline_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type annotationBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func TestWithPayloadValidation(t *testing.T) {
	var innerCalled bool
	inner := func(ctx context.Context, msg *messagepipeline.Message) (*annotationBody, bool, error) {
		innerCalled = true
		var p annotationBody
		err := json.Unmarshal(msg.Payload, &p)
		return &p, false, err
	}

	testCases := []struct {
		name            string
		payload         []byte
		minSize         int
		maxSize         int
		expectSkip      bool
		expectInnerCall bool
	}{
		{
			name:            "within range",
			payload:         []byte(`{"name":"cat.png"}`), // 18 bytes
			minSize:         2,
			maxSize:         30,
			expectInnerCall: true,
		},
		{
			name:       "empty payload",
			payload:    []byte{},
			minSize:    2,
			maxSize:    30,
			expectSkip: true,
		},
		{
			name:       "too long",
			payload:    []byte(`{"name":"cat.png","description":"a cat sitting on a mat"}`),
			minSize:    2,
			maxSize:    30,
			expectSkip: true,
		},
		{
			name:            "exactly max size",
			payload:         []byte(`{"name":"0123456789012345678"}`), // 30 bytes
			minSize:         2,
			maxSize:         30,
			expectInnerCall: true,
		},
		{
			name:            "no upper bound",
			payload:         []byte(`{"name":"cat.png","description":"a cat sitting on a mat"}`),
			minSize:         2,
			maxSize:         0,
			expectInnerCall: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			innerCalled = false
			transformer := messagepipeline.WithPayloadValidation(inner, tc.minSize, tc.maxSize, zerolog.Nop())
			msg := &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-" + tc.name, Payload: tc.payload},
			}

			// Act
			_, skip, err := transformer(context.Background(), msg)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tc.expectSkip, skip)
			assert.Equal(t, tc.expectInnerCall, innerCalled)
		})
	}
}
