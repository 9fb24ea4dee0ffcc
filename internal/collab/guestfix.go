package collab

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// GuestProfile summarizes what the inspector learned about the guest.
type GuestProfile struct {
	OSName     string `yaml:"os_name"`
	Distro     string `yaml:"distro"`
	RootDevice string `yaml:"root_device"`
	Windows    bool   `yaml:"windows"`
}

// FixOptions selects which offline mutations to apply.
type FixOptions struct {
	UpdateGrub        bool
	RegenInitramfs    bool
	RemoveVMwareTools bool
	VirtioDriversDir  string
}

// FixReport lists the mutations that were applied.
type FixReport struct {
	Changes []string
}

// GuestEditor is the offline filesystem/registry mutation collaborator.
// ApplyFixes tolerates re-application: running it twice on the same image
// must be safe.
type GuestEditor interface {
	Inspect(ctx context.Context, imagePath string) (GuestProfile, error)
	ApplyFixes(ctx context.Context, imagePath string, profile GuestProfile, opts FixOptions) (FixReport, error)
}

// LibguestfsEditor drives virt-inspector and virt-customize.
type LibguestfsEditor struct {
	Logger *zap.Logger
}

var (
	inspectNameRe   = regexp.MustCompile(`<name>([^<]+)</name>`)
	inspectDistroRe = regexp.MustCompile(`<distro>([^<]+)</distro>`)
	inspectRootRe   = regexp.MustCompile(`<root>([^<]+)</root>`)
)

// Inspect implements GuestEditor.
func (e *LibguestfsEditor) Inspect(ctx context.Context, imagePath string) (GuestProfile, error) {
	out, err := Output(ctx, "virt-inspector", "--no-applications", "-a", imagePath)
	if err != nil {
		return GuestProfile{}, fmt.Errorf("inspect %s: %w", imagePath, err)
	}

	profile := GuestProfile{}
	if m := inspectNameRe.FindStringSubmatch(out); m != nil {
		profile.OSName = m[1]
	}
	if m := inspectDistroRe.FindStringSubmatch(out); m != nil {
		profile.Distro = m[1]
	}
	if m := inspectRootRe.FindStringSubmatch(out); m != nil {
		profile.RootDevice = m[1]
	}
	profile.Windows = strings.EqualFold(profile.OSName, "windows")

	e.Logger.Info("guest inspected",
		zap.String("image", imagePath),
		zap.String("os", profile.OSName),
		zap.String("distro", profile.Distro),
	)
	return profile, nil
}

// ApplyFixes implements GuestEditor.
func (e *LibguestfsEditor) ApplyFixes(ctx context.Context, imagePath string, profile GuestProfile, opts FixOptions) (FixReport, error) {
	var report FixReport

	if profile.Windows {
		if opts.VirtioDriversDir != "" {
			if err := Run(ctx, "virt-customize", "-a", imagePath,
				"--copy-in", opts.VirtioDriversDir+":/Windows/Drivers"); err != nil {
				return report, fmt.Errorf("inject virtio drivers: %w", err)
			}
			report.Changes = append(report.Changes, "virtio drivers injected")
		}
		return report, nil
	}

	args := []string{"-a", imagePath}
	if opts.RemoveVMwareTools {
		args = append(args, "--uninstall", "open-vm-tools")
		report.Changes = append(report.Changes, "vmware tools removed")
	}
	if opts.UpdateGrub {
		args = append(args, "--run-command", "grub2-mkconfig -o /boot/grub2/grub.cfg || update-grub")
		report.Changes = append(report.Changes, "grub regenerated")
	}
	if opts.RegenInitramfs {
		args = append(args, "--run-command", "dracut --regenerate-all -f || update-initramfs -u")
		report.Changes = append(report.Changes, "initramfs regenerated")
	}

	if len(report.Changes) == 0 {
		return report, nil
	}
	if err := Run(ctx, "virt-customize", args...); err != nil {
		return FixReport{}, fmt.Errorf("apply fixes to %s: %w", imagePath, err)
	}
	return report, nil
}
