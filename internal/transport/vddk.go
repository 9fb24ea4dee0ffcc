package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"vmshift/internal/collab"
	"vmshift/internal/errkind"
	"vmshift/internal/retry"
)

// VDDK is the high-throughput disk-library strategy. The library is driven
// through nbdkit's vddk plugin plus nbdcopy, which keeps the proprietary
// code out of this process.
type VDDK struct {
	Logger *zap.Logger
	Policy retry.Policy
}

// Name implements Strategy.
func (v *VDDK) Name() string { return "vddk" }

var thumbprintRe = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// NormalizeThumbprint validates a SHA1 thumbprint and formats it as
// colon-separated lowercase byte pairs.
func NormalizeThumbprint(tp string) (string, error) {
	hexOnly := strings.ReplaceAll(strings.TrimSpace(tp), ":", "")
	if !thumbprintRe.MatchString(hexOnly) {
		return "", fmt.Errorf("invalid thumbprint (expected SHA1 40 hex chars): %q", tp)
	}
	hexOnly = strings.ToLower(hexOnly)
	pairs := make([]string, 0, 20)
	for i := 0; i < len(hexOnly); i += 2 {
		pairs = append(pairs, hexOnly[i:i+2])
	}
	return strings.Join(pairs, ":"), nil
}

// libPresent probes the candidate locations the disk library installs to.
func libPresent(libDir string) bool {
	if libDir == "" {
		return false
	}
	candidates := []string{
		filepath.Join(libDir, "lib64", "libvixDiskLib.so"),
		filepath.Join(libDir, "lib", "libvixDiskLib.so"),
		filepath.Join(libDir, "libvixDiskLib.so"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return true
		}
	}
	// Version-suffixed installs (libvixDiskLib.so.6 etc).
	matches, _ := filepath.Glob(filepath.Join(libDir, "lib64", "libvixDiskLib.so.*"))
	return len(matches) > 0
}

// Validate implements Strategy.
func (v *VDDK) Validate(plan Plan) error {
	if !libPresent(plan.LibDir) {
		return fmt.Errorf("vddk: libvixDiskLib.so not found under %q: %w",
			plan.LibDir, errkind.ErrTransportUnavailable)
	}
	if _, err := NormalizeThumbprint(plan.Thumbprint); err != nil {
		return fmt.Errorf("vddk: %v: %w", err, errkind.ErrTransportUnavailable)
	}
	for _, tool := range []string{"nbdkit", "nbdcopy"} {
		if !collab.Available(tool) {
			return fmt.Errorf("vddk: %s not found on PATH: %w", tool, errkind.ErrTransportUnavailable)
		}
	}
	if plan.Moref == "" || plan.BackingPath == "" {
		return fmt.Errorf("vddk: vm moref and backing path required: %w", errkind.ErrTransportUnavailable)
	}
	return nil
}

// Fetch implements Strategy.
func (v *VDDK) Fetch(ctx context.Context, plan Plan, targetPath string) error {
	thumbprint, err := NormalizeThumbprint(plan.Thumbprint)
	if err != nil {
		return err
	}

	tmp := targetPath + PartialSuffix

	err = v.Policy.Do(ctx, func() error {
		args := []string{
			"-U", "-",
			"--readonly",
			"--exit-with-parent",
			"vddk",
			"libdir=" + plan.LibDir,
			"server=" + plan.Server,
			"user=" + plan.VCUser,
			"password=-",
			"thumbprint=" + thumbprint,
			"vm=moref=" + plan.Moref,
			"file=" + plan.BackingPath,
			"--run", fmt.Sprintf("nbdcopy --flush \"$uri\" %q", tmp),
		}

		cmd := exec.CommandContext(ctx, "nbdkit", args...)
		cmd.Stdin = strings.NewReader(plan.VCPassword + "\n")
		var tail strings.Builder
		cmd.Stderr = &tail

		if err := cmd.Run(); err != nil {
			diag := tail.String()
			if len(diag) > 2048 {
				diag = diag[len(diag)-2048:]
			}
			return fmt.Errorf("nbdkit vddk: %v\n%s", err, strings.TrimSpace(diag))
		}

		st, err := os.Stat(tmp)
		if err != nil {
			return err
		}

		v.Logger.Info("vddk pull complete",
			zap.String("backing", plan.BackingPath),
			zap.Int64("bytes", st.Size()),
		)
		return promote(tmp, targetPath, st.Size(), plan.ExpectedSize)
	})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vddk fetch %s: %w", plan.BackingPath, err)
	}
	return nil
}
