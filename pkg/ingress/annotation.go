package ingress

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// CommentTypeHeader carries the commentType discriminator on POST /annotations.
// The commentType query parameter is accepted as well.
const CommentTypeHeader = "X-Comment-Type"

const maxAnnotationBody = 64 << 10

// AnnotationHandler accepts annotation requests over HTTP and dispatches them
// as Annotated events.
type AnnotationHandler struct {
	normalizer *objectevent.Normalizer
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewAnnotationHandler creates the handler.
func NewAnnotationHandler(normalizer *objectevent.Normalizer, dispatcher Dispatcher, logger zerolog.Logger) *AnnotationHandler {
	return &AnnotationHandler{
		normalizer: normalizer,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "AnnotationHandler").Logger(),
	}
}

type annotationResponse struct {
	ID        string `json:"id,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *AnnotationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, annotationResponse{Error: "method not allowed"})
		return
	}

	commentType := r.Header.Get(CommentTypeHeader)
	if commentType == "" {
		commentType = r.URL.Query().Get(objectevent.AttrCommentType)
	}
	if commentType == "" {
		writeJSON(w, http.StatusBadRequest, annotationResponse{Error: "commentType is required"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAnnotationBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, annotationResponse{Error: "request body too large"})
		return
	}

	evt, err := h.normalizer.NormalizeAnnotation(body, map[string]string{objectevent.AttrCommentType: commentType})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, annotationResponse{Error: err.Error()})
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), evt); err != nil {
		h.logger.Error().Err(err).Str("key", evt.ObjectKey()).Msg("Failed to dispatch annotation.")
		status := http.StatusBadGateway
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, annotationResponse{Error: "annotation could not be queued"})
		return
	}

	h.logger.Info().Str("key", evt.ObjectKey()).Str("comment_type", commentType).Msg("Annotation accepted.")
	writeJSON(w, http.StatusAccepted, annotationResponse{ID: evt.ID, ObjectKey: evt.ObjectKey()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
