package profile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/omoide/internal/model"
	"github.com/hitoshi/omoide/internal/repository"
)

type mockProfileRepo struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.Profile, error)
	createFn       func(ctx context.Context, profile *model.Profile) error
	updateFn       func(ctx context.Context, profile *model.Profile) error
}

func (m *mockProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	if m.createFn != nil {
		return m.createFn(ctx, profile)
	}
	return nil
}

func (m *mockProfileRepo) Update(ctx context.Context, profile *model.Profile) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, profile)
	}
	return nil
}

var _ repository.ProfileRepository = (*mockProfileRepo)(nil)

func TestGetMine_Missing_ReturnsProfileNotFound(t *testing.T) {
	svc := NewService(&mockProfileRepo{})

	_, err := svc.GetMine(context.Background(), "user-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProfileNotFound {
		t.Errorf("error = %v, want PROFILE_NOT_FOUND", err)
	}
}

func TestCreate_Valid_PersistsProfile(t *testing.T) {
	var created *model.Profile
	repo := &mockProfileRepo{
		createFn: func(ctx context.Context, profile *model.Profile) error {
			created = profile
			return nil
		},
	}
	svc := NewService(repo)

	profile, err := svc.Create(context.Background(), "user-1", CreateInput{
		Username: "  taro  ",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if created == nil {
		t.Fatal("expected profile to be persisted")
	}
	if profile.Username != "taro" {
		t.Errorf("username = %q, want trimmed %q", profile.Username, "taro")
	}
	// 表示名が空の場合はユーザー名にフォールバックする
	if profile.DisplayName != "taro" {
		t.Errorf("display name = %q, want fallback to username", profile.DisplayName)
	}
	if profile.UserID != "user-1" {
		t.Errorf("userID = %q, want user-1", profile.UserID)
	}
}

func TestCreate_Conflict_ReturnsProfileConflict(t *testing.T) {
	repo := &mockProfileRepo{
		createFn: func(ctx context.Context, profile *model.Profile) error {
			return repository.ErrProfileConflict
		},
	}
	svc := NewService(repo)

	_, err := svc.Create(context.Background(), "user-1", CreateInput{Username: "taro"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProfileConflict {
		t.Errorf("error = %v, want PROFILE_CONFLICT", err)
	}
}

func TestCreate_InvalidUsername_Rejected(t *testing.T) {
	svc := NewService(&mockProfileRepo{})

	for _, username := range []string{"", "   ", strings.Repeat("あ", 51)} {
		_, err := svc.Create(context.Background(), "user-1", CreateInput{Username: username})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidUsername {
			t.Errorf("Create(username=%q) error = %v, want INVALID_USERNAME", username, err)
		}
	}
}

func TestUpdateMine_Missing_ReturnsProfileNotFound(t *testing.T) {
	svc := NewService(&mockProfileRepo{})

	_, err := svc.UpdateMine(context.Background(), "user-1", UpdateInput{Username: "taro"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProfileNotFound {
		t.Errorf("error = %v, want PROFILE_NOT_FOUND", err)
	}
}

func TestUpdateMine_Valid_UpdatesFields(t *testing.T) {
	var updated *model.Profile
	repo := &mockProfileRepo{
		findByUserIDFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			return &model.Profile{ID: "profile-1", UserID: userID, Username: "old"}, nil
		},
		updateFn: func(ctx context.Context, profile *model.Profile) error {
			updated = profile
			return nil
		},
	}
	svc := NewService(repo)

	profile, err := svc.UpdateMine(context.Background(), "user-1", UpdateInput{
		Username:    "taro",
		DisplayName: "太郎",
		AvatarURL:   "https://omoide.example/media/user-1/avatar.png",
	})
	if err != nil {
		t.Fatalf("UpdateMine() error = %v", err)
	}
	if updated == nil {
		t.Fatal("expected profile to be updated")
	}
	if profile.Username != "taro" || profile.DisplayName != "太郎" {
		t.Errorf("profile = %+v", profile)
	}
}
