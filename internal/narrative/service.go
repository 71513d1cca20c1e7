package narrative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrProfileNotFound 档案不存在
var ErrProfileNotFound = errors.New("叙事档案不存在")

// Service 叙事档案的版本化读写服务
// 执行器只读消费；编辑/回滚由治理侧调用
type Service struct {
	db *gorm.DB
}

// NewService 创建档案服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateProfileInput 创建档案入参
type CreateProfileInput struct {
	TenantID               string
	WorkspaceID            string
	Name                   string
	Tone                   string
	AllowedTopics          []string
	BlockedTopics          []string
	AllowedPersonalization []string
}

// CreateProfile 创建档案（版本从 1 开始）
func (s *Service) CreateProfile(ctx context.Context, in *CreateProfileInput) (*NarrativeProfile, error) {
	profile := &NarrativeProfile{
		ID:                     uuid.New().String(),
		TenantID:               in.TenantID,
		WorkspaceID:            in.WorkspaceID,
		Name:                   in.Name,
		Version:                1,
		Tone:                   in.Tone,
		AllowedTopics:          in.AllowedTopics,
		BlockedTopics:          in.BlockedTopics,
		AllowedPersonalization: in.AllowedPersonalization,
	}
	if err := s.db.WithContext(ctx).Create(profile).Error; err != nil {
		return nil, fmt.Errorf("创建叙事档案失败: %w", err)
	}
	return profile, nil
}

// GetProfile 查询档案
func (s *Service) GetProfile(ctx context.Context, profileID string) (*NarrativeProfile, error) {
	var profile NarrativeProfile
	if err := s.db.WithContext(ctx).Where("id = ?", profileID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("查询叙事档案失败: %w", err)
	}
	return &profile, nil
}

// UpdateProfileInput 编辑档案入参（生成新版本）
type UpdateProfileInput struct {
	Tone                   *string
	AllowedTopics          []string
	BlockedTopics          []string
	AllowedPersonalization []string
}

// UpdateProfile 编辑档案：冻结当前版本快照后写入新版本
func (s *Service) UpdateProfile(ctx context.Context, profileID string, in *UpdateProfileInput) (*NarrativeProfile, error) {
	var updated *NarrativeProfile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile NarrativeProfile
		if err := tx.Where("id = ?", profileID).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return fmt.Errorf("查询叙事档案失败: %w", err)
		}

		// 冻结当前版本
		if err := s.freezeSnapshot(tx, &profile); err != nil {
			return err
		}

		if in.Tone != nil {
			profile.Tone = *in.Tone
		}
		if in.AllowedTopics != nil {
			profile.AllowedTopics = in.AllowedTopics
		}
		if in.BlockedTopics != nil {
			profile.BlockedTopics = in.BlockedTopics
		}
		if in.AllowedPersonalization != nil {
			profile.AllowedPersonalization = in.AllowedPersonalization
		}
		profile.Version++
		profile.UpdatedAt = time.Now().UTC()

		if err := tx.Save(&profile).Error; err != nil {
			return fmt.Errorf("保存新版本失败: %w", err)
		}
		updated = &profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Rollback 回滚到历史版本：将快照内容作为新版本重新应用（版本号继续递增）
func (s *Service) Rollback(ctx context.Context, profileID string, toVersion int) (*NarrativeProfile, error) {
	var updated *NarrativeProfile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile NarrativeProfile
		if err := tx.Where("id = ?", profileID).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return fmt.Errorf("查询叙事档案失败: %w", err)
		}

		var version NarrativeProfileVersion
		if err := tx.Where("profile_id = ? AND version = ?", profileID, toVersion).
			First(&version).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("历史版本 %d 不存在", toVersion)
			}
			return fmt.Errorf("查询历史版本失败: %w", err)
		}

		if err := s.freezeSnapshot(tx, &profile); err != nil {
			return err
		}

		profile.Tone = version.Snapshot.Tone
		profile.AllowedTopics = version.Snapshot.AllowedTopics
		profile.BlockedTopics = version.Snapshot.BlockedTopics
		profile.AllowedPersonalization = version.Snapshot.AllowedPersonalization
		profile.Version++
		profile.UpdatedAt = time.Now().UTC()

		if err := tx.Save(&profile).Error; err != nil {
			return fmt.Errorf("保存回滚版本失败: %w", err)
		}
		updated = &profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListVersions 查询档案的历史版本（按版本号升序）
func (s *Service) ListVersions(ctx context.Context, profileID string) ([]*NarrativeProfileVersion, error) {
	var versions []*NarrativeProfileVersion
	if err := s.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("version ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("查询历史版本失败: %w", err)
	}
	return versions, nil
}

func (s *Service) freezeSnapshot(tx *gorm.DB, profile *NarrativeProfile) error {
	snapshot := &NarrativeProfileVersion{
		ID:        uuid.New().String(),
		ProfileID: profile.ID,
		Version:   profile.Version,
		Snapshot: ProfileSnapshot{
			Tone:                   profile.Tone,
			AllowedTopics:          profile.AllowedTopics,
			BlockedTopics:          profile.BlockedTopics,
			AllowedPersonalization: profile.AllowedPersonalization,
		},
	}
	if err := tx.Create(snapshot).Error; err != nil {
		return fmt.Errorf("冻结版本快照失败: %w", err)
	}
	return nil
}
