package history

import (
	"github.com/quillvoice/quill/internal/pipeline"
)

// SessionSink adapts the Store to the pipeline's sink interface.
type SessionSink struct {
	store *Store
}

// NewSessionSink wraps a Store for the pipeline.
func NewSessionSink(store *Store) *SessionSink {
	return &SessionSink{store: store}
}

// Archive persists a finished session.
func (s *SessionSink) Archive(sess *pipeline.Session) error {
	status := "completed"
	errorKind := ""
	switch sess.Stage {
	case pipeline.StageFailed:
		status = "failed"
		errorKind = string(sess.FailKind)
	case pipeline.StageCancelled:
		status = "cancelled"
	}

	return s.store.Save(&Record{
		ID:           sess.ID,
		StartedAt:    sess.StartedAt,
		FinishedAt:   sess.FinishedAt,
		Stage:        status,
		RawText:      sess.RawText,
		EnhancedText: sess.EnhancedText,
		ErrorKind:    errorKind,
		AppID:        sess.Focus.AppID,
		URL:          sess.Focus.URL,
	})
}
