package ingress_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/ingress"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnnotationHandler(d ingress.Dispatcher) *ingress.AnnotationHandler {
	return ingress.NewAnnotationHandler(objectevent.NewNormalizer(zerolog.Nop()), d, zerolog.Nop())
}

func TestAnnotationHandler_Accepts(t *testing.T) {
	// Arrange
	dispatcher := &recordingDispatcher{}
	h := newAnnotationHandler(dispatcher)
	req := httptest.NewRequest(http.MethodPost, "/annotations", strings.NewReader(`{"name":"cat.png","description":"on the porch"}`))
	req.Header.Set(ingress.CommentTypeHeader, "update")
	rec := httptest.NewRecorder()

	// Act
	h.ServeHTTP(rec, req)

	// Assert
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cat.png", body["objectKey"])
	assert.NotEmpty(t, body["id"])

	events := dispatcher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, objectevent.Annotated, events[0].Kind())
	assert.Equal(t, "on the porch", events[0].Attributes[objectevent.AttrDescription])
	assert.Equal(t, "update", events[0].Attributes[objectevent.AttrCommentType])
}

func TestAnnotationHandler_CommentTypeFromQuery(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newAnnotationHandler(dispatcher)
	req := httptest.NewRequest(http.MethodPost, "/annotations?commentType=update", strings.NewReader(`{"name":"cat.png","description":"x"}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, dispatcher.Events(), 1)
}

func TestAnnotationHandler_Rejects(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		commentType string
		body        string
		wantStatus  int
	}{
		{name: "wrong method", method: http.MethodGet, commentType: "update", wantStatus: http.StatusMethodNotAllowed},
		{name: "missing comment type", method: http.MethodPost, body: `{"name":"cat.png"}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, commentType: "update", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "empty name", method: http.MethodPost, commentType: "update", body: `{"name":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, commentType: "update", body: `{"name":"` + strings.Repeat("a", 70<<10) + `"}`, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dispatcher := &recordingDispatcher{}
			h := newAnnotationHandler(dispatcher)
			req := httptest.NewRequest(tc.method, "/annotations", strings.NewReader(tc.body))
			if tc.commentType != "" {
				req.Header.Set(ingress.CommentTypeHeader, tc.commentType)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Empty(t, dispatcher.Events())
		})
	}
}

func TestAnnotationHandler_DispatchFailure(t *testing.T) {
	h := newAnnotationHandler(&recordingDispatcher{fail: true})
	req := httptest.NewRequest(http.MethodPost, "/annotations", strings.NewReader(`{"name":"cat.png","description":"x"}`))
	req.Header.Set(ingress.CommentTypeHeader, "update")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
