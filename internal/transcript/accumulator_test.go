package transcript

import (
	"testing"
	"time"
)

func notRecording() (time.Time, bool) { return time.Time{}, false }

func TestAppendToken_LiveBufferSpeakerChangeMarkers(t *testing.T) {
	acc := New("id", notRecording)

	acc.AppendToken(Token{Text: "Hello", Speaker: "1"}, "")
	acc.AppendToken(Token{Text: " world", Speaker: "1"}, "")
	acc.AppendToken(Token{Text: "Hi", Speaker: "2"}, "")

	got := acc.LiveOriginal()
	want := "Speaker 1: Hello world\n\nSpeaker 2: Hi"
	if got != want {
		t.Errorf("LiveOriginal() = %q, want %q", got, want)
	}
}

func TestAppendToken_FinalSegmentsAppendOrMerge(t *testing.T) {
	acc := New("id", notRecording)

	finals := []Token{
		{Text: "A", Speaker: "1", IsFinal: true},
		{Text: "B", Speaker: "1", IsFinal: true},
		{Text: "C", Speaker: "2", IsFinal: true},
		{Text: "D", Speaker: "1", IsFinal: true},
	}
	for _, tok := range finals {
		acc.AppendToken(tok, "")
	}

	segs := acc.FinalOriginalSegments()
	if len(segs) != 3 {
		t.Fatalf("expected 3 merged segments, got %d: %+v", len(segs), segs)
	}
	if segs[0].Role != "Speaker 1" || segs[0].Text != "AB" {
		t.Errorf("segment 0 = %+v, want {Speaker 1 AB}", segs[0])
	}
	if segs[1].Role != "Speaker 2" || segs[1].Text != "C" {
		t.Errorf("segment 1 = %+v, want {Speaker 2 C}", segs[1])
	}
	if segs[2].Role != "Speaker 1" || segs[2].Text != "D" {
		t.Errorf("segment 2 = %+v, want {Speaker 1 D}", segs[2])
	}
}

func TestAppendToken_TranslationTrackIsIndependent(t *testing.T) {
	acc := New("id", notRecording)

	acc.AppendToken(Token{Text: "Hello", Speaker: "1", IsFinal: true}, "")
	acc.AppendToken(Token{Text: "Halo", Speaker: "1", IsFinal: true, TranslationStatus: "translation"}, "")

	orig := acc.FinalOriginalSegments()
	trans := acc.FinalTranslationSegments()
	if len(orig) != 1 || orig[0].Text != "Hello" {
		t.Errorf("original segments = %+v", orig)
	}
	if len(trans) != 1 || trans[0].Text != "Halo" {
		t.Errorf("translation segments = %+v", trans)
	}
}

func TestAppendToken_IgnoresEmptyAndEndSentinel(t *testing.T) {
	acc := New("id", notRecording)

	if _, ok := acc.AppendToken(Token{Text: ""}, ""); ok {
		t.Error("expected empty text token to be ignored")
	}
	if _, ok := acc.AppendToken(Token{Text: "<end>"}, ""); ok {
		t.Error("expected <end> sentinel to be ignored")
	}
	if acc.HasReceivedData() {
		t.Error("HasReceivedData should remain false for ignored tokens")
	}
}

func TestAppendToken_DetectedLanguageSetOnceFromOriginalTrack(t *testing.T) {
	acc := New("id", notRecording)

	acc.AppendToken(Token{Text: "Bonjour", Speaker: "1"}, "fr")
	if acc.SourceLanguage() != "fr" {
		t.Fatalf("SourceLanguage() = %q, want fr", acc.SourceLanguage())
	}

	// a later detection must not overwrite the first one
	acc.AppendToken(Token{Text: "more", Speaker: "1"}, "es")
	if acc.SourceLanguage() != "fr" {
		t.Errorf("SourceLanguage() changed to %q, want it to stay fr", acc.SourceLanguage())
	}
}

func TestSetError_PreservesAccumulatedData(t *testing.T) {
	acc := New("id", notRecording)
	acc.AppendToken(Token{Text: "partial", Speaker: "1", IsFinal: true}, "")
	acc.SetError()

	if !acc.HasError() {
		t.Error("HasError() = false, want true")
	}
	if len(acc.FinalOriginalSegments()) != 1 {
		t.Error("SetError must not discard accumulated final segments")
	}
}
