package media

import (
	"strings"
	"testing"

	"github.com/hitoshi/omoide/internal/model"
)

func TestSave_Image_ReturnsURLAndMediaType(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "https://omoide.example/media/", 1024)

	stored, err := store.Save("user-1", "photo.JPG", strings.NewReader("fake image data"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if stored.MediaType != model.MediaTypeImage {
		t.Errorf("media type = %q, want image", stored.MediaType)
	}
	if !strings.HasPrefix(stored.URL, "https://omoide.example/media/user-1/") {
		t.Errorf("URL = %q, want prefix with owner directory", stored.URL)
	}
	if !strings.HasSuffix(stored.URL, ".jpg") {
		t.Errorf("URL = %q, want lowercase .jpg extension", stored.URL)
	}
}

func TestSave_DisallowedExtension_ReturnsInvalidMediaType(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "https://omoide.example/media", 1024)

	_, err := store.Save("user-1", "script.exe", strings.NewReader("data"))
	if err == nil {
		t.Fatal("expected error for disallowed extension")
	}

	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeInvalidMediaType {
		t.Errorf("error = %v, want INVALID_MEDIA_TYPE", err)
	}
}

func TestSave_OversizedFile_Rejected(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "https://omoide.example/media", 10)

	_, err := store.Save("user-1", "big.png", strings.NewReader(strings.Repeat("x", 11)))
	if err == nil {
		t.Fatal("expected error for oversized file")
	}
}

func TestSave_AudioAndVideoExtensions(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "https://omoide.example/media", 1024)

	stored, err := store.Save("user-1", "voice.mp3", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Save(mp3) error = %v", err)
	}
	if stored.MediaType != model.MediaTypeAudio {
		t.Errorf("media type = %q, want audio", stored.MediaType)
	}

	stored, err = store.Save("user-1", "clip.mp4", strings.NewReader("video"))
	if err != nil {
		t.Fatalf("Save(mp4) error = %v", err)
	}
	if stored.MediaType != model.MediaTypeVideo {
		t.Errorf("media type = %q, want video", stored.MediaType)
	}
}
