package app

import (
	"context"
	"testing"

	"github.com/dialvox/dialvox/internal/recording"
	"github.com/dialvox/dialvox/internal/session"
)

func testSessions(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(nil, true)
	if err != nil {
		t.Fatalf("session.NewManager() error: %v", err)
	}
	return m
}

func TestRecorderRegistryDisabled(t *testing.T) {
	t.Parallel()

	r := newRecorderRegistry(nil, testSessions(t))
	if rec := r.For("call-1"); rec != nil {
		t.Errorf("For() = %v with nil sink, want nil", rec)
	}
}

func TestRecorderRegistryRequiresSession(t *testing.T) {
	t.Parallel()

	sink, err := recording.NewDirSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirSink() error: %v", err)
	}
	r := newRecorderRegistry(sink, testSessions(t))
	if rec := r.For("no-such-call"); rec != nil {
		t.Errorf("For() = %v for unknown call, want nil", rec)
	}
}

func TestRecorderRegistryHandsBufferBackOnTake(t *testing.T) {
	t.Parallel()

	sessions := testSessions(t)
	err := sessions.Create(context.Background(), &session.CallSession{
		CallID:     "call-1",
		TenantID:   "acme",
		CampaignID: "q3",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sink, err := recording.NewDirSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirSink() error: %v", err)
	}
	r := newRecorderRegistry(sink, sessions)

	rec := r.For("call-1")
	if rec == nil {
		t.Fatal("For() = nil for a live session")
	}
	rec.Append([]byte{1, 2, 3, 4})

	buf := r.take("call-1")
	if buf == nil {
		t.Fatal("take() = nil")
	}
	if buf.Size() != 4 {
		t.Errorf("Size() = %d, want 4", buf.Size())
	}
	fin, ok := buf.Finalize()
	if !ok {
		t.Fatal("Finalize() reported no audio")
	}
	if fin.Metadata.TenantID != "acme" || fin.Metadata.CampaignID != "q3" {
		t.Errorf("metadata = %+v", fin.Metadata)
	}

	if again := r.take("call-1"); again != nil {
		t.Error("second take() returned a buffer")
	}
}
