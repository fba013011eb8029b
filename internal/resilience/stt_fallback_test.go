package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/dialvox/dialvox/pkg/provider/stt"
	sttmock "github.com/dialvox/dialvox/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{}
	want := sttmock.NewSession()
	primary.QueueSession(want)
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	if sess != stt.SessionHandle(want) {
		t.Fatal("returned session is not the primary's session")
	}
	if len(secondary.StartCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.StartCalls))
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartErr: errors.New("primary down")}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"}
	sess, err := fb.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	if len(secondary.StartCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.StartCalls))
	}
	if secondary.StartCalls[0].Language != "en-US" {
		t.Fatalf("fallback received config %+v, want original language preserved", secondary.StartCalls[0])
	}
}

func TestSTTFallback_StartStream_AllFailed(t *testing.T) {
	primary := &sttmock.Provider{StartErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}
