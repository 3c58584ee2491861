// Package profile はユーザープロフィール管理のドメインロジックを提供する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/omoide/internal/model"
	"github.com/hitoshi/omoide/internal/repository"
)

// maxUsernameLength はユーザー名と表示名の最大文字数。
const maxUsernameLength = 50

// CreateInput はプロフィール作成の入力。
type CreateInput struct {
	Username    string
	DisplayName string
	AvatarURL   string
}

// UpdateInput はプロフィール更新の入力。
type UpdateInput struct {
	Username    string
	DisplayName string
	AvatarURL   string
}

// Service はプロフィール管理のサービス層。
type Service struct {
	profileRepo repository.ProfileRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(profileRepo repository.ProfileRepository) *Service {
	return &Service{profileRepo: profileRepo}
}

// GetMine は自分のプロフィールを取得する。
// 未作成の場合はProfileNotFoundを返す。
func (s *Service) GetMine(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.profileRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile == nil {
		return nil, model.NewProfileNotFoundError()
	}
	return profile, nil
}

// Create は自分のプロフィールを作成する。
// すでに存在する場合はProfileConflictを返す。
// 複数タブからの同時ログインで遅延作成が競合しても、
// user_idの一意制約により2件目は必ずこのエラーになる。
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*model.Profile, error) {
	username, displayName, err := validateNames(input.Username, input.DisplayName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	profile := &model.Profile{
		ID:          uuid.New().String(),
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		AvatarURL:   input.AvatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.profileRepo.Create(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrProfileConflict) {
			return nil, model.NewProfileConflictError()
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	slog.Info("profile created",
		slog.String("user_id", userID),
		slog.String("username", username),
	)
	return profile, nil
}

// UpdateMine は自分のプロフィールを更新する。
// 未作成の場合はProfileNotFoundを返す。
func (s *Service) UpdateMine(ctx context.Context, userID string, input UpdateInput) (*model.Profile, error) {
	username, displayName, err := validateNames(input.Username, input.DisplayName)
	if err != nil {
		return nil, err
	}

	profile, err := s.profileRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile == nil {
		return nil, model.NewProfileNotFoundError()
	}

	profile.Username = username
	profile.DisplayName = displayName
	profile.AvatarURL = input.AvatarURL

	if err := s.profileRepo.Update(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return profile, nil
}

// validateNames はユーザー名と表示名を正規化して検証する。
func validateNames(username, displayName string) (string, string, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)

	if username == "" || utf8.RuneCountInString(username) > maxUsernameLength {
		return "", "", model.NewInvalidUsernameError()
	}
	if displayName == "" {
		displayName = username
	}
	if utf8.RuneCountInString(displayName) > maxUsernameLength {
		return "", "", model.NewInvalidUsernameError()
	}
	return username, displayName, nil
}
