package cmd

import (
	"os"
	"path/filepath"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skourzh/sshferry/db"
	"github.com/skourzh/sshferry/remote"
	"github.com/skourzh/sshferry/task"
)

var store *db.Store

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sshferry.db"
	}
	return filepath.Join(home, ".sshferry", "sshferry.db")
}

func openStore(cmd *cobra.Command) (*db.Store, error) {
	if store != nil {
		return store, nil
	}
	path, _ := cmd.Flags().GetString("db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	gormDB, err := db.ConnectDB(path)
	if err != nil {
		return nil, err
	}
	store, err = db.NewStore(gormDB)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// profileConfig converts a stored profile to a session config. The password
// may be left out of the store and supplied through SSHFERRY_PASSWORD
// instead (loaded from .env by the root command).
func profileConfig(profile *db.ConnectionProfile) remote.Config {
	password := profile.Password
	if password == "" {
		password = os.Getenv("SSHFERRY_PASSWORD")
	}
	return remote.Config{
		Name:     profile.Name,
		Host:     profile.Host,
		Port:     profile.Port,
		Username: profile.Username,
		AuthMode: remote.AuthMode(profile.AuthMode),
		Password: password,
		KeyFile:  profile.KeyFile,
	}
}

func toTaskScripts(scripts []*db.Script) []task.Script {
	out := make([]task.Script, 0, len(scripts))
	for _, s := range scripts {
		out = append(out, task.Script{Name: s.Name, Body: s.Body, Enabled: s.Enabled})
	}
	return out
}

// historyListener mirrors terminal task states into the store's history
// table.
type historyListener struct {
	store *db.Store
}

func (h *historyListener) OnAdded(s task.Snapshot)   {}
func (h *historyListener) OnRemoved(s task.Snapshot) {}

func (h *historyListener) OnUpdated(s task.Snapshot) {
	if !s.Status.Terminal() {
		return
	}
	err := h.store.RecordHistory(&db.TaskHistory{
		TaskID:      s.ID,
		Direction:   string(s.Direction),
		LocalPath:   s.LocalPath,
		RemotePath:  s.RemotePath,
		ProfileName: s.ProfileName,
		Status:      string(s.Status),
		Progress:    s.Progress,
		Size:        s.ExpectedSize,
		Message:     s.Message,
		StartedAt:   s.CreatedAt,
	})
	if err != nil {
		logger.WithError(err).WithField("task", s.ID).Warn("Failed to record task history")
	}
}
