package collab

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BootOutcome is the result of a boot smoke test.
type BootOutcome int

const (
	BootReached BootOutcome = iota
	BootTimedOut
	BootError
)

func (o BootOutcome) String() string {
	switch o {
	case BootReached:
		return "reached"
	case BootTimedOut:
		return "timed out"
	default:
		return "error"
	}
}

// BootValidator boots the image headless and watches for signs of life.
type BootValidator interface {
	Boot(ctx context.Context, imagePath string, profile GuestProfile, timeout time.Duration) (BootOutcome, error)
}

// QemuBoot implements BootValidator with qemu-system, serial console to
// stdout, -snapshot so the image is never mutated by the test.
type QemuBoot struct {
	Logger *zap.Logger
	Bin    string // defaults to qemu-system-x86_64
}

// bootMarkers are serial-console substrings that count as a reached boot.
var bootMarkers = []string{
	"login:",
	"Welcome to",
	"Startup finished",
	"Windows Boot Manager",
}

func (q *QemuBoot) bin() string {
	if q.Bin != "" {
		return q.Bin
	}
	return "qemu-system-x86_64"
}

// Boot implements BootValidator.
func (q *QemuBoot) Boot(ctx context.Context, imagePath string, profile GuestProfile, timeout time.Duration) (BootOutcome, error) {
	bootCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-m", "2048",
		"-snapshot",
		"-display", "none",
		"-serial", "stdio",
		"-drive", fmt.Sprintf("file=%s,if=virtio", imagePath),
	}
	if profile.Windows {
		// Windows guests need more time and no virtio until drivers load.
		args[len(args)-1] = fmt.Sprintf("file=%s,if=ide", imagePath)
	}

	cmd := exec.CommandContext(bootCtx, q.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return BootError, err
	}
	if err := cmd.Start(); err != nil {
		return BootError, fmt.Errorf("start %s: %w", q.bin(), err)
	}
	defer func() {
		cancel()
		cmd.Wait()
	}()

	reached := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			for _, marker := range bootMarkers {
				if strings.Contains(line, marker) {
					close(reached)
					return
				}
			}
		}
	}()

	select {
	case <-reached:
		q.Logger.Info("boot smoke test reached login", zap.String("image", imagePath))
		return BootReached, nil
	case <-bootCtx.Done():
		if ctx.Err() != nil {
			return BootError, ctx.Err()
		}
		return BootTimedOut, fmt.Errorf("no boot marker within %s", timeout)
	}
}
