package objectevent_test

import (
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyKey(t *testing.T) {
	for _, key := range []string{"", "   "} {
		_, err := objectevent.New(objectevent.Created, key, nil)
		assert.ErrorIs(t, err, objectevent.ErrMalformedEvent)
	}
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := objectevent.New(objectevent.Kind("Moved"), "cat.png", nil)
	assert.ErrorIs(t, err, objectevent.ErrMalformedEvent)
}

func TestNew_CopiesAttributes(t *testing.T) {
	attrs := map[string]string{"bucket": "images"}

	evt, err := objectevent.New(objectevent.Created, " cat.png ", attrs)
	require.NoError(t, err)
	attrs["bucket"] = "changed"

	assert.Equal(t, "cat.png", evt.ObjectKey())
	assert.Equal(t, "images", evt.Attributes["bucket"])
}

func TestWith_LeavesOriginalUntouched(t *testing.T) {
	evt, err := objectevent.New(objectevent.Created, "cat.png", map[string]string{"payloadType": "png"})
	require.NoError(t, err)

	out := evt.With(objectevent.AttrOutcome, objectevent.OutcomeIngested)

	_, present := evt.Attr(objectevent.AttrOutcome)
	assert.False(t, present)
	v, _ := out.Attr(objectevent.AttrOutcome)
	assert.Equal(t, objectevent.OutcomeIngested, v)
	assert.Equal(t, evt.ID, out.ID)
	assert.Equal(t, evt.Kind(), out.Kind())
}

func TestEncodeDecode(t *testing.T) {
	// Arrange
	evt, err := objectevent.New(objectevent.Annotated, "cat.png", map[string]string{
		objectevent.AttrCommentType: "update",
		objectevent.AttrDescription: "on the porch",
	})
	require.NoError(t, err)

	// Act
	body, attrs, err := objectevent.Encode(evt)
	require.NoError(t, err)
	decoded, err := objectevent.Decode(body)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "Annotated", attrs[objectevent.AttrKind])
	assert.Equal(t, "update", attrs[objectevent.AttrCommentType])
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.Kind(), decoded.Kind())
	assert.Equal(t, evt.ObjectKey(), decoded.ObjectKey())
	assert.Equal(t, evt.Attributes, decoded.Attributes)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := objectevent.Decode([]byte(`{"id":"x","kind":"Created","objectKey":""}`))
	assert.ErrorIs(t, err, objectevent.ErrMalformedEvent)

	_, err = objectevent.Decode([]byte(`{`))
	assert.ErrorIs(t, err, objectevent.ErrMalformedEvent)
}
