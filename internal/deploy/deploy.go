// Package deploy prepares a working copy and runs the deploy script.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/mrdeploy/internal/env"
)

// DefaultVersion is the target environment when none is configured.
const DefaultVersion = "staging"

var (
	ErrSecrets = errors.New("deploy: secrets unavailable")
	ErrInstall = errors.New("deploy: dependency install failed")
	ErrDeploy  = errors.New("deploy: deploy script failed")
)

// CopyFile is an extra file placed into the working copy after secrets are
// decrypted. To is relative to the working copy.
type CopyFile struct {
	From string
	To   string
}

// Config describes how to prepare and deploy one working copy.
type Config struct {
	Dir            string // working copy
	InstallCommand string
	Command        string // {version} is replaced with the target version
	SecretsBundle  string // age (scrypt) encrypted file
	PassphraseFile string
	SecretsOutput  string // relative to Dir unless absolute
	Copy           []CopyFile
	Env            []string
	Stdout         io.Writer
	Stderr         io.Writer
}

// Executor runs the deploy steps for Config.
type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = cfg.Stdout
	}
	return &Executor{cfg: cfg}
}

func (e *Executor) inDir(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.cfg.Dir, p)
}

// MaterializeSecrets decrypts the secrets bundle into the working copy and
// places the extra copy files. With no bundle configured only the copies run.
func (e *Executor) MaterializeSecrets(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.cfg.SecretsBundle != "" {
		plain, err := decryptBundle(e.cfg.SecretsBundle, e.cfg.PassphraseFile)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSecrets, err)
		}
		err = writeFileAtomic(e.inDir(e.cfg.SecretsOutput), plain.Bytes(), 0o600)
		plain.Destroy()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSecrets, err)
		}
	}
	for _, c := range e.cfg.Copy {
		b, err := os.ReadFile(filepath.Clean(c.From))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSecrets, err)
		}
		if err := writeFileAtomic(e.inDir(c.To), b, 0o600); err != nil {
			return fmt.Errorf("%w: %v", ErrSecrets, err)
		}
	}
	return nil
}

// InstallDependencies runs the install command in the working copy.
func (e *Executor) InstallDependencies(ctx context.Context) error {
	if strings.TrimSpace(e.cfg.InstallCommand) == "" {
		return nil
	}
	if err := e.run(ctx, e.cfg.InstallCommand); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	return nil
}

// RunDeployScript runs the deploy command for version. Success is exit status 0.
func (e *Executor) RunDeployScript(ctx context.Context, version string) error {
	if version == "" {
		version = DefaultVersion
	}
	command := strings.ReplaceAll(e.cfg.Command, "{version}", version)
	if err := e.run(ctx, command); err != nil {
		return fmt.Errorf("%w: %v", ErrDeploy, err)
	}
	return nil
}

func (e *Executor) run(ctx context.Context, command string) error {
	cmd := BuildCommand(ctx, command)
	cmd.Dir = e.cfg.Dir
	cmd.Stdin = nil
	cmd.Stdout = e.cfg.Stdout
	cmd.Stderr = e.cfg.Stderr
	if len(e.cfg.Env) > 0 {
		cmd.Env = env.Merge(os.Environ(), e.cfg.Env)
	}
	slog.Info("Running command", "command", command, "dir", e.cfg.Dir)
	return cmd.Run()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir flushes directory entries so a rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
