package db

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreOperation defines the interface for configuration store operations.
type StoreOperation interface {
	// CreateProfile inserts a new connection profile.
	CreateProfile(profile *ConnectionProfile) error
	// GetProfileByName retrieves a profile by its unique name.
	GetProfileByName(name string) (*ConnectionProfile, error)
	// ListProfiles retrieves all profiles.
	ListProfiles() ([]*ConnectionProfile, error)
	// DeleteProfile deletes a profile and its scripts.
	DeleteProfile(name string) error

	// CreateScript inserts a new stored script.
	CreateScript(script *Script) error
	// ListScripts retrieves all scripts of a profile ordered by position.
	ListScripts(profileID uint) ([]*Script, error)
	// ListEnabledScripts retrieves the enabled scripts of a profile,
	// partitioned into pre and post by declared kind.
	ListEnabledScripts(profileID uint) (pre []*Script, post []*Script, err error)
	// SetScriptEnabled toggles one script.
	SetScriptEnabled(scriptID uint, enabled bool) error
	// DeleteScript deletes a script by its ID.
	DeleteScript(scriptID uint) error

	// RecordHistory upserts one terminal task snapshot.
	RecordHistory(h *TaskHistory) error
	// ListHistory retrieves terminal task snapshots, newest first.
	ListHistory(limit int) ([]*TaskHistory, error)
	// PruneHistory deletes all history rows.
	PruneHistory() error
}

// Store is the concrete implementation of StoreOperation.
type Store struct {
	conn *gorm.DB
}

// NewStore creates a Store on the given connection and migrates the schema.
func NewStore(conn *gorm.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("gorm.DB connection cannot be nil")
	}
	if err := conn.AutoMigrate(&ConnectionProfile{}, &Script{}, &TaskHistory{}); err != nil {
		return nil, errors.Wrap(err, "failed to auto migrate store models")
	}
	return &Store{conn: conn}, nil
}

func (s *Store) CreateProfile(profile *ConnectionProfile) error {
	return errors.WithStack(s.conn.Create(profile).Error)
}

func (s *Store) GetProfileByName(name string) (*ConnectionProfile, error) {
	var profile ConnectionProfile
	if err := s.conn.Where("name = ?", name).First(&profile).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to find profile %s", name)
	}
	return &profile, nil
}

func (s *Store) ListProfiles() ([]*ConnectionProfile, error) {
	var profiles []*ConnectionProfile
	if err := s.conn.Order("name").Find(&profiles).Error; err != nil {
		return nil, errors.WithStack(err)
	}
	return profiles, nil
}

func (s *Store) DeleteProfile(name string) error {
	profile, err := s.GetProfileByName(name)
	if err != nil {
		return err
	}
	if err := s.conn.Where("profile_id = ?", profile.ID).Delete(&Script{}).Error; err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.conn.Delete(profile).Error)
}

func (s *Store) CreateScript(script *Script) error {
	return errors.WithStack(s.conn.Create(script).Error)
}

func (s *Store) ListScripts(profileID uint) ([]*Script, error) {
	var scripts []*Script
	err := s.conn.
		Where("profile_id = ?", profileID).
		Order("kind").Order("position").Order("id").
		Find(&scripts).Error
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scripts, nil
}

func (s *Store) ListEnabledScripts(profileID uint) ([]*Script, []*Script, error) {
	var scripts []*Script
	err := s.conn.
		Where("profile_id = ? AND enabled = ?", profileID, true).
		Order("position").Order("id").
		Find(&scripts).Error
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	var pre, post []*Script
	for _, script := range scripts {
		switch script.Kind {
		case ScriptPost:
			post = append(post, script)
		default:
			pre = append(pre, script)
		}
	}
	return pre, post, nil
}

func (s *Store) SetScriptEnabled(scriptID uint, enabled bool) error {
	res := s.conn.Model(&Script{}).Where("id = ?", scriptID).Update("enabled", enabled)
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("script %d not found", scriptID)
	}
	return nil
}

func (s *Store) DeleteScript(scriptID uint) error {
	return errors.WithStack(s.conn.Where("id = ?", scriptID).Delete(&Script{}).Error)
}

func (s *Store) RecordHistory(h *TaskHistory) error {
	return errors.WithStack(s.conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "progress", "message", "finished_at",
		}),
	}).Create(h).Error)
}

func (s *Store) ListHistory(limit int) ([]*TaskHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*TaskHistory
	err := s.conn.Order("finished_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rows, nil
}

func (s *Store) PruneHistory() error {
	return errors.WithStack(s.conn.Where("1 = 1").Delete(&TaskHistory{}).Error)
}
