package elevenlabs

import (
	"strings"
	"testing"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New(\"\") should return error")
	}
}

func TestBuildURLForVoice(t *testing.T) {
	t.Parallel()

	u := buildURLForVoice("voice123", "eleven_flash_v2_5")
	if !strings.Contains(u, "/text-to-speech/voice123/stream-input") {
		t.Errorf("URL %q missing voice path", u)
	}
	if !strings.Contains(u, "model_id=eleven_flash_v2_5") {
		t.Errorf("URL %q missing model_id", u)
	}
}

func TestBuildWSMessage(t *testing.T) {
	t.Parallel()

	msg, err := buildWSMessage("Hello there.", &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75})
	if err != nil {
		t.Fatalf("buildWSMessage() error: %v", err)
	}
	s := string(msg)
	for _, want := range []string{`"text":"Hello there."`, `"stability":0.5`, `"similarity_boost":0.75`} {
		if !strings.Contains(s, want) {
			t.Errorf("payload %s missing %s", s, want)
		}
	}

	// Without settings, voice_settings must be omitted entirely.
	msg, err = buildWSMessage("Next.", nil)
	if err != nil {
		t.Fatalf("buildWSMessage() error: %v", err)
	}
	if strings.Contains(string(msg), "voice_settings") {
		t.Errorf("payload %s should omit voice_settings", msg)
	}
}

func TestParseVoicesResponse(t *testing.T) {
	t.Parallel()

	data := `{"voices":[
		{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}},
		{"voice_id":"v2","name":"Sam"}
	]}`
	profiles, err := parseVoicesResponse([]byte(data))
	if err != nil {
		t.Fatalf("parseVoicesResponse() error: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}
	if profiles[0].ID != "v1" || profiles[0].Provider != "elevenlabs" {
		t.Errorf("profile[0] = %+v", profiles[0])
	}
	if profiles[0].Metadata["accent"] != "american" || profiles[0].Metadata["category"] != "premade" {
		t.Errorf("profile[0] metadata = %v", profiles[0].Metadata)
	}
	if profiles[1].Name != "Sam" {
		t.Errorf("profile[1] = %+v", profiles[1])
	}

	if _, err := parseVoicesResponse([]byte("nope")); err == nil {
		t.Error("garbage input should error")
	}
}
