package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skourzh/sshferry/remote"
	"github.com/skourzh/sshferry/task"
)

// waitListener follows one task through the event stream, echoing progress
// and handing out the final snapshot. Callbacks arrive on the registry's
// single notification goroutine, so no locking is needed here.
type waitListener struct {
	id           string
	done         chan task.Snapshot
	lastProgress int
	lastLogged   int
}

func (w *waitListener) OnAdded(s task.Snapshot)   {}
func (w *waitListener) OnRemoved(s task.Snapshot) {}

func (w *waitListener) OnUpdated(s task.Snapshot) {
	if s.ID != w.id {
		return
	}
	for ; w.lastLogged < len(s.Log); w.lastLogged++ {
		logger.WithField("task", s.ID).Debug(s.Log[w.lastLogged].Text)
	}
	if s.Progress != w.lastProgress {
		w.lastProgress = s.Progress
		fmt.Printf("\r%3d%% %s", s.Progress, s.Message)
	}
	// "stopping" is the transient first phase of a stop; the final event
	// carries "stopped"
	if s.Status.Terminal() && s.Message != "stopping" {
		select {
		case w.done <- s:
		default:
		}
	}
}

func buildRequest(cmd *cobra.Command, direction task.Direction, localPath, remotePath string) (*task.Request, error) {
	profileName, _ := cmd.Flags().GetString("profile")
	size, _ := cmd.Flags().GetInt64("size")
	adHocPre, _ := cmd.Flags().GetString("pre")
	adHocPost, _ := cmd.Flags().GetString("post")
	noScripts, _ := cmd.Flags().GetBool("no-scripts")

	store, err := openStore(cmd)
	if err != nil {
		return nil, err
	}
	profile, err := store.GetProfileByName(profileName)
	if err != nil {
		return nil, err
	}

	req := &task.Request{
		Direction:       direction,
		LocalPath:       localPath,
		RemotePath:      remotePath,
		Profile:         profileConfig(profile),
		ExpectedSize:    size,
		AdHocPreScript:  adHocPre,
		AdHocPostScript: adHocPost,
	}
	if !noScripts {
		pre, post, err := store.ListEnabledScripts(profile.ID)
		if err != nil {
			return nil, err
		}
		req.PreScripts = toTaskScripts(pre)
		req.PostScripts = toTaskScripts(post)
	}
	return req, nil
}

func runTransfer(cmd *cobra.Command, req *task.Request) error {
	workers, _ := cmd.Flags().GetInt("workers")
	pooled, _ := cmd.Flags().GetBool("pooled")

	opts := []task.Option{task.WithWorkers(workers)}
	if pooled {
		opts = append(opts, task.WithStrategy(remote.NewPooledStrategy(0)))
	}
	mgr := task.NewManager(opts...)
	defer mgr.Shutdown()

	if store != nil {
		mgr.AddListener(&historyListener{store: store})
	}

	rec := task.New(*req)
	waiter := &waitListener{id: rec.ID(), done: make(chan task.Snapshot, 1)}
	mgr.AddListener(waiter)

	if err := mgr.Submit(rec); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var snap task.Snapshot
	select {
	case snap = <-waiter.done:
	case <-sigChan:
		logger.Info("Received interrupt signal, stopping transfer...")
		mgr.StopAll()
		snap = <-waiter.done
	}
	fmt.Println()

	if snap.Status != task.StatusSuccess {
		for _, line := range snap.Log {
			fmt.Printf("%s  %s\n", line.Time.Format("15:04:05"), line.Text)
		}
		return fmt.Errorf("transfer %s: %s", snap.Status, snap.Message)
	}
	logger.WithFields(logger.Fields{
		"local":  snap.LocalPath,
		"remote": snap.RemotePath,
	}).Info("Transfer finished")
	return nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local> <remote>",
	Short: "Upload a local file over SFTP",
	Long:  "Upload a local file to the remote host, running the profile's enabled pre- and post-scripts around the transfer.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		req, err := buildRequest(cmd, task.DirectionUpload, args[0], args[1])
		if err != nil {
			cmd.PrintErrf("Failed to prepare upload: %v\n", err)
			os.Exit(1)
		}
		if err := runTransfer(cmd, req); err != nil {
			cmd.PrintErrf("Upload failed: %v\n", err)
			os.Exit(1)
		}
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote> <local>",
	Short: "Download a remote file over SFTP",
	Long:  "Download a remote file to a local path. Remote scripts are not run around downloads.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		req, err := buildRequest(cmd, task.DirectionDownload, args[1], args[0])
		if err != nil {
			cmd.PrintErrf("Failed to prepare download: %v\n", err)
			os.Exit(1)
		}
		if err := runTransfer(cmd, req); err != nil {
			cmd.PrintErrf("Download failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().StringP("profile", "p", "", "Connection profile name")
		c.Flags().String("pre", "", "Ad-hoc script to run before the transfer")
		c.Flags().String("post", "", "Ad-hoc script to run after the transfer")
		c.Flags().Bool("no-scripts", false, "Skip the profile's stored scripts")
		c.Flags().Bool("pooled", false, "Reuse sessions across transfers of the same profile")
		c.MarkFlagRequired("profile")
	}
	// upload pools tend to run larger than download pools
	uploadCmd.Flags().Int("workers", 8, "Number of parallel transfer workers")
	downloadCmd.Flags().Int("workers", 4, "Number of parallel transfer workers")
	downloadCmd.Flags().Int64("size", 0, "Expected remote file size in bytes, used as the progress denominator")
	uploadCmd.Flags().Int64("size", 0, "Expected file size in bytes; defaults to the local file size")
	RootCmd.AddCommand(uploadCmd)
	RootCmd.AddCommand(downloadCmd)
}
