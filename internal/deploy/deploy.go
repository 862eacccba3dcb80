// Package deploy places the agent binary on an appliance and manages its service.
//
// The binary goes to two locations: a persistent one that survives reboot on
// boxes with a RAM overlay, and the active one the service starts from.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/autostart"
	"github.com/NowakAdmin/CPWplusAgent/internal/config"
	"github.com/NowakAdmin/CPWplusAgent/internal/update"
)

var (
	ErrNotPrivileged = errors.New("root privileges required")
	ErrReadOnly      = errors.New("filesystem is read-only")
)

type Options struct {
	// Source is the binary to install; empty means the running executable.
	Source string
	// Download fetches the latest release asset instead of using Source.
	Download bool
}

// Deployer carries the system hooks so tests can swap them out.
type Deployer struct {
	Cfg config.DeployConfig
	Log logrus.FieldLogger

	Repo      string
	AssetName string

	Geteuid  func() int
	Enable   func(name, executablePath string, args ...string) error
	Disable  func(name string) error
	Restart  func(name string) error
	Download func(ctx context.Context, repo, assetName string) (string, error)
}

func New(cfg *config.Config, log logrus.FieldLogger) *Deployer {
	return &Deployer{
		Cfg:       cfg.Deploy,
		Log:       log,
		Repo:      cfg.Update.GitHubRepo,
		AssetName: cfg.Update.AssetName,
		Geteuid:   geteuid,
		Enable:    autostart.Enable,
		Disable:   autostart.Disable,
		Restart:   autostart.Restart,
		Download: func(ctx context.Context, repo, assetName string) (string, error) {
			path, _, err := update.DownloadLatestAsset(ctx, repo, assetName)
			return path, err
		},
	}
}

func (d *Deployer) paths() []string {
	var paths []string
	for _, p := range []string{d.Cfg.PersistentPath, d.Cfg.ActivePath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Install copies the binary into place, enables the unit and restarts the service.
func (d *Deployer) Install(ctx context.Context, opts Options) error {
	if d.Geteuid() != 0 {
		return ErrNotPrivileged
	}
	if d.Cfg.ActivePath == "" {
		return fmt.Errorf("deploy.active_path is empty")
	}

	source := opts.Source
	if opts.Download {
		path, err := d.Download(ctx, d.Repo, d.AssetName)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		defer func() {
			_ = os.Remove(path)
		}()
		source = path
	}

	if source == "" {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		source = exe
	}

	for _, dst := range d.paths() {
		if err := copyBinary(source, dst); err != nil {
			if isReadOnly(err) {
				return fmt.Errorf("%w: %s", ErrReadOnly, dst)
			}
			return fmt.Errorf("install %s: %w", dst, err)
		}
		d.Log.Infof("Installed %s", dst)
	}

	if err := d.Enable(d.Cfg.ServiceName, d.Cfg.ActivePath, "run"); err != nil {
		return fmt.Errorf("enable %s: %w", d.Cfg.ServiceName, err)
	}

	if err := d.Restart(d.Cfg.ServiceName); err != nil {
		return fmt.Errorf("restart %s: %w", d.Cfg.ServiceName, err)
	}

	d.Log.Infof("Service %s restarted", d.Cfg.ServiceName)
	return nil
}

// Uninstall disables the unit and removes both copies. Missing files only warn.
func (d *Deployer) Uninstall() error {
	if d.Geteuid() != 0 {
		return ErrNotPrivileged
	}

	if err := d.Disable(d.Cfg.ServiceName); err != nil {
		d.Log.Warnf("Disable %s: %v", d.Cfg.ServiceName, err)
	}

	for _, path := range d.paths() {
		err := os.Remove(path)
		switch {
		case err == nil:
			d.Log.Infof("Removed %s", path)
		case errors.Is(err, fs.ErrNotExist):
			d.Log.Warnf("%s not found, skipped", path)
		case isReadOnly(err):
			return fmt.Errorf("%w: %s", ErrReadOnly, path)
		default:
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	return nil
}

// copyBinary writes next to dst and renames over it, so a running binary is
// replaced rather than rewritten in place.
func copyBinary(src, dst string) error {
	srcAbs, _ := filepath.Abs(src)
	dstAbs, _ := filepath.Abs(dst)
	if srcAbs == dstAbs {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}
