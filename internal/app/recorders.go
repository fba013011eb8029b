package app

import (
	"sync"

	"github.com/dialvox/dialvox/internal/recording"
	"github.com/dialvox/dialvox/internal/session"
	"github.com/dialvox/dialvox/pkg/media"
)

// recorderRegistry hands a recording buffer to the media gateway of every
// call that has a live session, and hands the same buffer back to the call
// teardown path for finalizing. A nil sink disables recording entirely.
type recorderRegistry struct {
	sink     recording.Sink
	sessions *session.Manager

	mu      sync.Mutex
	buffers map[string]*recording.Buffer
}

func newRecorderRegistry(sink recording.Sink, sessions *session.Manager) *recorderRegistry {
	return &recorderRegistry{
		sink:     sink,
		sessions: sessions,
		buffers:  make(map[string]*recording.Buffer),
	}
}

// For implements control.RecorderSource. Calls without a live session get no
// recorder: an unknown call_id on the media endpoint is not worth taping.
func (r *recorderRegistry) For(callID string) media.Recorder {
	if r.sink == nil {
		return nil
	}
	sess, err := r.sessions.Get(callID)
	if err != nil {
		return nil
	}

	buf := recording.NewBuffer(recording.Metadata{
		TenantID:   sess.TenantID,
		CampaignID: sess.CampaignID,
		CallID:     callID,
	})
	r.mu.Lock()
	r.buffers[callID] = buf
	r.mu.Unlock()
	return buf
}

// take removes and returns the buffer for callID, or nil when the call was
// never recorded.
func (r *recorderRegistry) take(callID string) *recording.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.buffers[callID]
	delete(r.buffers, callID)
	return buf
}
