package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	gopath "path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"vmshift/internal/chain"
	"vmshift/internal/errkind"
	"vmshift/internal/retry"
)

// SSHCopy streams remote files over an SSH session. It is the fallback
// strategy when no API or disk-library access exists.
type SSHCopy struct {
	Logger *zap.Logger
	Policy retry.Policy
}

// Name implements Strategy.
func (s *SSHCopy) Name() string { return "ssh" }

// Validate implements Strategy.
func (s *SSHCopy) Validate(plan Plan) error {
	if plan.Host == "" || plan.User == "" {
		return fmt.Errorf("ssh: host and user required: %w", errkind.ErrTransportUnavailable)
	}
	if plan.Identity == "" && plan.Password == "" {
		return fmt.Errorf("ssh: no identity file or password: %w", errkind.ErrTransportUnavailable)
	}
	if plan.Identity != "" {
		if _, err := os.Stat(plan.Identity); err != nil {
			return fmt.Errorf("ssh: identity %s: %v: %w", plan.Identity, err, errkind.ErrTransportUnavailable)
		}
	}
	return nil
}

func (s *SSHCopy) dial(plan Plan) (*ssh.Client, error) {
	var auths []ssh.AuthMethod
	if plan.Identity != "" {
		key, err := os.ReadFile(plan.Identity)
		if err != nil {
			return nil, fmt.Errorf("read identity: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if plan.Password != "" {
		auths = append(auths, ssh.Password(plan.Password))
	}

	cfg := &ssh.ClientConfig{
		User:            plan.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	port := plan.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(plan.Host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, errkind.ErrSourceUnreachable)
	}
	return client, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSHCopy) remoteSize(client *ssh.Client, remotePath string) (int64, error) {
	sess, err := client.NewSession()
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	out, err := sess.Output("stat -c %s -- " + shellQuote(remotePath))
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s: bad size %q", remotePath, out)
	}
	return size, nil
}

func (s *SSHCopy) fetchOne(ctx context.Context, client *ssh.Client, remotePath, localPath string) error {
	size, err := s.remoteSize(client, remotePath)
	if err != nil {
		return err
	}

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	if err := sess.Start("cat -- " + shellQuote(remotePath)); err != nil {
		return fmt.Errorf("start remote read of %s: %w", remotePath, err)
	}

	tmp := localPath + PartialSuffix
	written, _, err := streamToFile(ctx, stdout, tmp)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := sess.Wait(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("remote read of %s: %w", remotePath, err)
	}

	s.Logger.Info("ssh fetch complete",
		zap.String("remote", remotePath),
		zap.Int64("bytes", written),
	)
	return promote(tmp, localPath, written, size)
}

// Fetch implements Strategy for a single remote file.
func (s *SSHCopy) Fetch(ctx context.Context, plan Plan, targetPath string) error {
	return s.Policy.Do(ctx, func() error {
		client, err := s.dial(plan)
		if err != nil {
			return err
		}
		defer client.Close()
		return s.fetchOne(ctx, client, plan.BackingPath, targetPath)
	})
}

// FetchTree downloads a remote descriptor plus every extent and parent it
// references, mirroring the remote directory layout under destDir so that
// relative parent hints and extent references keep resolving locally even
// when they cross directories. Returns the local path of the leaf descriptor.
func (s *SSHCopy) FetchTree(ctx context.Context, plan Plan, destDir string) (string, error) {
	client, err := s.dial(plan)
	if err != nil {
		return "", err
	}
	defer client.Close()

	fetch := func(remote, local string) error {
		return s.Policy.Do(ctx, func() error {
			return s.fetchOne(ctx, client, remote, local)
		})
	}
	return fetchTree(plan.BackingPath, destDir, fetch)
}

// mirrorPath maps a remote path into destDir keeping the remote directory
// structure. Leading "/" and "../" segments are stripped so the mirror never
// escapes destDir.
func mirrorPath(destDir, remote string) string {
	clean := strings.TrimPrefix(gopath.Clean(remote), "/")
	for strings.HasPrefix(clean, "../") {
		clean = strings.TrimPrefix(clean, "../")
	}
	return filepath.Join(destDir, filepath.FromSlash(clean))
}

func fetchTree(backingPath, destDir string, fetch func(remote, local string) error) (string, error) {
	leafLocal := ""
	remote := gopath.Clean(backingPath)
	visited := make(map[string]bool)

	for remote != "" {
		if visited[remote] {
			return "", fmt.Errorf("remote descriptor %s: %w", remote, errkind.ErrChainCycle)
		}
		visited[remote] = true

		local := mirrorPath(destDir, remote)
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return "", err
		}
		if err := fetch(remote, local); err != nil {
			return "", fmt.Errorf("fetch %s: %v: %w", remote, err, errkind.ErrChainIncomplete)
		}
		if leafLocal == "" {
			leafLocal = local
		}

		data, err := os.ReadFile(local)
		if err != nil {
			return "", err
		}
		// Monolithic sparse file: no descriptor to follow.
		if len(data) >= 4 && bytes.Equal(data[:4], []byte("KDMV")) {
			break
		}

		desc, err := chain.ParseDescriptor(bytes.NewReader(data))
		if err != nil || len(desc.Extents) == 0 {
			// Plain data file (e.g. a -flat extent), nothing to follow.
			break
		}

		remoteDir := gopath.Dir(remote)
		for _, e := range desc.Extents {
			extRemote := e.File
			if !gopath.IsAbs(extRemote) {
				extRemote = gopath.Join(remoteDir, extRemote)
			}
			extLocal := mirrorPath(destDir, extRemote)
			if err := os.MkdirAll(filepath.Dir(extLocal), 0o755); err != nil {
				return "", err
			}
			if err := fetch(extRemote, extLocal); err != nil {
				return "", fmt.Errorf("fetch extent %s: %v: %w", extRemote, err, errkind.ErrChainIncomplete)
			}
		}

		if desc.HasParent() {
			parent := desc.ParentHint
			if !gopath.IsAbs(parent) {
				parent = gopath.Join(remoteDir, parent)
			}
			remote = parent
		} else {
			remote = ""
		}
	}

	return leafLocal, nil
}
